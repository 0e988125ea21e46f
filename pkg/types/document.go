package types

// ============================================================================
// 職責說明：
// 1. 提供保留鍵順序的屬性文件（Task / Executor 的 parameters）
// 2. 值為封閉的變體型別：null / string / number / bool / list / document
// 3. 點號路徑解析（task.priority），缺少的路徑解析為 Null
// 4. JSON / YAML 編解碼保留順序；Canonical() 以排序鍵輸出供雜湊使用
// ============================================================================

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnsupportedValue 表示無法轉換為文件值的 Go 型別
var ErrUnsupportedValue = errors.New("unsupported document value")

// Kind 值的種類
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindDocument
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindDocument:
		return "document"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value 文件中的單一值；零值為 Null
type Value struct {
	kind Kind
	s    string
	n    float64
	b    bool
	list []Value
	doc  *Document
}

func Null() Value            { return Value{} }
func String(s string) Value  { return Value{kind: KindString, s: s} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindList, list: items}
}

// Doc 將文件包成值；nil 文件視為 Null
func Doc(d *Document) Value {
	if d == nil {
		return Null()
	}
	return Value{kind: KindDocument, doc: d}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsZero 讓 yaml omitempty 省略 Null
func (v Value) IsZero() bool { return v.kind == KindNull }

func (v Value) Str() (string, bool) {
	return v.s, v.kind == KindString
}

func (v Value) Num() (float64, bool) {
	return v.n, v.kind == KindNumber
}

func (v Value) Boolean() (bool, bool) {
	return v.b, v.kind == KindBool
}

func (v Value) Items() ([]Value, bool) {
	return v.list, v.kind == KindList
}

func (v Value) Document() (*Document, bool) {
	return v.doc, v.kind == KindDocument
}

// Equal 深度比較；數字依數值比較，文件比較忽略鍵順序
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.s == o.s
	case KindNumber:
		return v.n == o.n
	case KindBool:
		return v.b == o.b
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindDocument:
		return v.doc.Equal(o.doc)
	}
	return false
}

// Native 轉為 encoding/json 慣用的 Go 值（map[string]any / []any / float64 ...）
func (v Value) Native() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindNumber:
		return v.n
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Native()
		}
		return out
	case KindDocument:
		return v.doc.Native()
	}
	return nil
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindString:
		return v.s
	case KindNumber:
		return strconv.FormatFloat(v.n, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	}
	b, err := v.MarshalJSON()
	if err != nil {
		return "<" + v.kind.String() + ">"
	}
	return string(b)
}

func (v Value) clone() Value {
	switch v.kind {
	case KindList:
		items := make([]Value, len(v.list))
		for i, item := range v.list {
			items[i] = item.clone()
		}
		return List(items...)
	case KindDocument:
		return Doc(v.doc.Clone())
	}
	return v
}

// ValueOf 將 Go 值轉為文件值
//
// map[string]any 沒有順序，轉換時以排序後的鍵建立文件
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case *Document:
		return Doc(t), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Number(float64(t)), nil
	case int8:
		return Number(float64(t)), nil
	case int16:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint:
		return Number(float64(t)), nil
	case uint8:
		return Number(float64(t)), nil
	case uint16:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case float32:
		return Number(float64(t)), nil
	case float64:
		return Number(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Null(), fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		return Number(f), nil
	case []string:
		items := make([]Value, len(t))
		for i, s := range t {
			items[i] = String(s)
		}
		return List(items...), nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := ValueOf(item)
			if err != nil {
				return Null(), err
			}
			items[i] = v
		}
		return List(items...), nil
	case map[string]any:
		d, err := DocumentOf(t)
		if err != nil {
			return Null(), err
		}
		return Doc(d), nil
	}
	return Null(), fmt.Errorf("%w: %T", ErrUnsupportedValue, x)
}

// ============================================================================
// Document
// ============================================================================

// Document 保留插入順序的鍵值文件；nil 文件的讀取操作視為空文件
type Document struct {
	keys []string
	vals map[string]Value
}

func NewDocument() *Document {
	return &Document{vals: make(map[string]Value)}
}

// DocumentOf 由 map 建立文件（鍵依字典序）
func DocumentOf(m map[string]any) (*Document, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d := NewDocument()
	for _, k := range keys {
		v, err := ValueOf(m[k])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		d.Set(k, v)
	}
	return d, nil
}

// MustDocument 以 key, value 交替的參數建立文件，型別不支援時 panic
//
//	doc := MustDocument("priority", "high", "region", "eu")
func MustDocument(pairs ...any) *Document {
	if len(pairs)%2 != 0 {
		panic("types.MustDocument: odd number of arguments")
	}
	d := NewDocument()
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			panic(fmt.Sprintf("types.MustDocument: key %v is not a string", pairs[i]))
		}
		v, err := ValueOf(pairs[i+1])
		if err != nil {
			panic(fmt.Sprintf("types.MustDocument: %v", err))
		}
		d.Set(key, v)
	}
	return d
}

// Set 設定鍵值；已存在的鍵保留原本位置
func (d *Document) Set(key string, v Value) *Document {
	if d.vals == nil {
		d.vals = make(map[string]Value)
	}
	if _, ok := d.vals[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.vals[key] = v
	return d
}

func (d *Document) Get(key string) (Value, bool) {
	if d == nil {
		return Null(), false
	}
	v, ok := d.vals[key]
	return v, ok
}

func (d *Document) Delete(key string) {
	if d == nil {
		return
	}
	if _, ok := d.vals[key]; !ok {
		return
	}
	delete(d.vals, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

func (d *Document) Keys() []string {
	if d == nil {
		return nil
	}
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

func (d *Document) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Lookup 解析點號路徑；任何一段不存在或不是文件時回傳 Null
func (d *Document) Lookup(path string) Value {
	if d == nil || path == "" {
		return Null()
	}
	cur := Doc(d)
	for _, part := range strings.Split(path, ".") {
		doc, ok := cur.Document()
		if !ok {
			return Null()
		}
		next, ok := doc.Get(part)
		if !ok {
			return Null()
		}
		cur = next
	}
	return cur
}

// Equal 比較鍵集合與對應值（忽略順序）
func (d *Document) Equal(o *Document) bool {
	if d.Len() != o.Len() {
		return false
	}
	if d == nil {
		return true
	}
	for _, k := range d.keys {
		ov, ok := o.Get(k)
		if !ok || !d.vals[k].Equal(ov) {
			return false
		}
	}
	return true
}

func (d *Document) Clone() *Document {
	out := NewDocument()
	if d == nil {
		return out
	}
	for _, k := range d.keys {
		out.Set(k, d.vals[k].clone())
	}
	return out
}

func (d *Document) Native() map[string]any {
	out := make(map[string]any, d.Len())
	if d == nil {
		return out
	}
	for _, k := range d.keys {
		out[k] = d.vals[k].Native()
	}
	return out
}

// ============================================================================
// JSON
// ============================================================================

func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf, false); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	val, err := decodeValue(dec)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

func (d *Document) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	if err := d.encode(&buf, false); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return err
	}
	if v.IsNull() {
		*d = *NewDocument()
		return nil
	}
	doc, ok := v.Document()
	if !ok {
		return fmt.Errorf("document: expected JSON object, got %s", v.Kind())
	}
	*d = *doc
	return nil
}

// Canonical 以排序後的鍵輸出 JSON，內容相同的文件輸出相同位元組
func (d *Document) Canonical() ([]byte, error) {
	var buf bytes.Buffer
	if err := d.encode(&buf, true); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer, sorted bool) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindString:
		b, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindNumber:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return fmt.Errorf("%w: non-finite number", ErrUnsupportedValue)
		}
		b, err := json.Marshal(v.n)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindList:
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf, sorted); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindDocument:
		return v.doc.encode(buf, sorted)
	}
	return nil
}

func (d *Document) encode(buf *bytes.Buffer, sorted bool) error {
	keys := d.Keys()
	if sorted {
		sort.Strings(keys)
	}
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		if err := d.vals[k].encode(buf, sorted); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Null(), err
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Null(), err
		}
		return Number(f), nil
	case json.Delim:
		switch t {
		case '[':
			items := []Value{}
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return Null(), err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Null(), err
			}
			return List(items...), nil
		case '{':
			d := NewDocument()
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return Null(), err
				}
				key, ok := kt.(string)
				if !ok {
					return Null(), fmt.Errorf("document: unexpected key token %v", kt)
				}
				val, err := decodeValue(dec)
				if err != nil {
					return Null(), err
				}
				d.Set(key, val)
			}
			if _, err := dec.Token(); err != nil {
				return Null(), err
			}
			return Doc(d), nil
		}
	}
	return Null(), fmt.Errorf("document: unexpected token %v", tok)
}

// ============================================================================
// YAML
// ============================================================================

func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	val, err := valueFromYAML(node)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

func (v Value) MarshalYAML() (any, error) {
	return v.yamlNode(), nil
}

func (d *Document) UnmarshalYAML(node *yaml.Node) error {
	val, err := valueFromYAML(node)
	if err != nil {
		return err
	}
	if val.IsNull() {
		*d = *NewDocument()
		return nil
	}
	doc, ok := val.Document()
	if !ok {
		return fmt.Errorf("document: expected YAML mapping, got %s", val.Kind())
	}
	*d = *doc
	return nil
}

func (d *Document) MarshalYAML() (any, error) {
	return Doc(d).yamlNode(), nil
}

func valueFromYAML(n *yaml.Node) (Value, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return Null(), nil
		}
		return valueFromYAML(n.Content[0])
	case yaml.AliasNode:
		return valueFromYAML(n.Alias)
	case yaml.ScalarNode:
		switch n.ShortTag() {
		case "!!null":
			return Null(), nil
		case "!!bool":
			var b bool
			if err := n.Decode(&b); err != nil {
				return Null(), err
			}
			return Bool(b), nil
		case "!!int", "!!float":
			var f float64
			if err := n.Decode(&f); err != nil {
				return Null(), err
			}
			return Number(f), nil
		}
		return String(n.Value), nil
	case yaml.SequenceNode:
		items := make([]Value, 0, len(n.Content))
		for _, c := range n.Content {
			item, err := valueFromYAML(c)
			if err != nil {
				return Null(), err
			}
			items = append(items, item)
		}
		return List(items...), nil
	case yaml.MappingNode:
		d := NewDocument()
		for i := 0; i+1 < len(n.Content); i += 2 {
			val, err := valueFromYAML(n.Content[i+1])
			if err != nil {
				return Null(), err
			}
			d.Set(n.Content[i].Value, val)
		}
		return Doc(d), nil
	}
	return Null(), fmt.Errorf("document: unsupported YAML node kind %d", n.Kind)
}

func (v Value) yamlNode() *yaml.Node {
	switch v.kind {
	case KindString:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v.s}
	case KindNumber:
		if v.n == math.Trunc(v.n) && math.Abs(v.n) < 1e15 {
			return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatInt(int64(v.n), 10)}
		}
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: strconv.FormatFloat(v.n, 'g', -1, 64)}
	case KindBool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(v.b)}
	case KindList:
		n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range v.list {
			n.Content = append(n.Content, item.yamlNode())
		}
		return n
	case KindDocument:
		n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, k := range v.doc.keys {
			n.Content = append(n.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
				v.doc.vals[k].yamlNode())
		}
		return n
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
}

// ============================================================================
// database/sql（JSONB 欄位）
// ============================================================================

// Value 實作 driver.Valuer，nil 文件寫入 "{}"
func (d *Document) Value() (driver.Value, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return d.MarshalJSON()
}

// Scan 實作 sql.Scanner
func (d *Document) Scan(src any) error {
	switch t := src.(type) {
	case nil:
		*d = *NewDocument()
		return nil
	case []byte:
		return d.UnmarshalJSON(t)
	case string:
		return d.UnmarshalJSON([]byte(t))
	}
	return fmt.Errorf("document: cannot scan %T", src)
}
