package server

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/fairshare/internal/ingress"
	"github.com/ChuLiYu/fairshare/pkg/types"
)

// encode 以 JSON 欄位名稱將 v 轉為 Struct
func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return structpb.NewStruct(m)
}

// decode 將 Struct 依 JSON 欄位名稱填入 v
func decode(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

func decodeCreateTask(in *structpb.Struct) (ingress.Request, error) {
	f := in.GetFields()
	req := ingress.Request{
		ExternalID:     f["external_id"].GetStringValue(),
		Weight:         int(f["weight"].GetNumberValue()),
		ParentID:       f["parent_id"].GetStringValue(),
		IdempotencyKey: f["idempotency_key"].GetStringValue(),
	}
	if p := f["parameters"].GetStructValue(); p != nil {
		doc, err := types.DocumentOf(p.AsMap())
		if err != nil {
			return ingress.Request{}, fmt.Errorf("parameters: %w", err)
		}
		req.Parameters = doc
	}
	return req, nil
}

func encodeCreateTask(req ingress.Request) (*structpb.Struct, error) {
	m := map[string]any{
		"external_id": req.ExternalID,
		"weight":      float64(req.Weight),
	}
	if req.ParentID != "" {
		m["parent_id"] = req.ParentID
	}
	if req.IdempotencyKey != "" {
		m["idempotency_key"] = req.IdempotencyKey
	}
	if req.Parameters != nil {
		m["parameters"] = req.Parameters.Native()
	}
	return structpb.NewStruct(m)
}
