package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 執行 cli.BuildCLI() 建立的命令
// 3. 處理頂層錯誤與 panic recovery
// ============================================================================

/*
# 編譯（注入版本）
go build -ldflags "-X github.com/ChuLiYu/fairshare/internal/cli.Version=1.0.0" -o bin/fairshare ./cmd/fairshare

# 執行
./bin/fairshare run -c configs/fairshare.yaml
./bin/fairshare executor add --name alice --limit 50 --param region=eu
./bin/fairshare submit --external-id order-42 --param priority=high
./bin/fairshare journal stats
*/

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/fairshare/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
