// Package realtime はPostgreSQLの行変更通知をプロセス内の購読者へ配信する。
package realtime

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ChangeType は変更通知の種別。
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
	// ChangeResync は通知の取りこぼしがあり得ることを表す。
	// 受信側はキャッシュ全体を再取得する。
	ChangeResync ChangeType = "RESYNC"
)

// Change はテーブル行の変更通知。
// Recordは変更後、OldRecordは変更前の行で、トリガーで指定したカラムのみを含む。
type Change struct {
	Table     string         `json:"table"`
	Type      ChangeType     `json:"type"`
	Record    map[string]any `json:"record"`
	OldRecord map[string]any `json:"old_record"`
}

// decodeChange はトリガーのペイロードをChangeに変換する。
// 数値はjson.Numberとして保持し、フィルタ比較で桁落ちしないようにする。
func decodeChange(payload string) (Change, error) {
	var c Change
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&c); err != nil {
		return Change{}, fmt.Errorf("failed to decode change payload: %w", err)
	}
	if c.Table == "" || c.Type == "" {
		return Change{}, fmt.Errorf("failed to decode change payload: missing table or type")
	}
	return c, nil
}

// String はrecordの値を文字列で返す。存在しない場合は空文字とfalseを返す。
func (c Change) String(column string) (string, bool) {
	v, ok := c.Record[column]
	if !ok || v == nil {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	default:
		return fmt.Sprint(x), true
	}
}

// Int64 はrecordの値を整数で返す。
func (c Change) Int64(column string) (int64, bool) {
	v, ok := c.Record[column]
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case json.Number:
		n, err := x.Int64()
		return n, err == nil
	case float64:
		return int64(x), true
	case int64:
		return x, true
	case int:
		return int64(x), true
	default:
		return 0, false
	}
}

// Time はrecordのタイムスタンプ値を返す。
func (c Change) Time(column string) (time.Time, bool) {
	s, ok := c.String(column)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Filter は購読条件。subscribe(table, filter, eventTypes)に相当する。
// Typesが空の場合は全種別（RESYNCを含む）を受け取る。種別を限定した購読は
// TypesにChangeResyncを含めた場合のみRESYNCを受け取る。
// Columnを指定した場合はrecordの該当カラムがValueと一致する通知のみを受け取る。
type Filter struct {
	Table  string
	Types  []ChangeType
	Column string
	Value  string
}

// acceptsAll は全種別を受け取る購読かどうかを返す。
func (f Filter) acceptsAll() bool {
	return len(f.Types) == 0
}

// Match は通知が購読条件に一致するかを返す。
func (f Filter) Match(c Change) bool {
	if c.Type == ChangeResync {
		wants := f.acceptsAll() || slices.Contains(f.Types, ChangeResync)
		return wants && (c.Table == "" || c.Table == f.Table)
	}
	if c.Table != f.Table {
		return false
	}
	if !f.acceptsAll() && !slices.Contains(f.Types, c.Type) {
		return false
	}
	if f.Column != "" {
		v, ok := c.String(f.Column)
		if !ok {
			// DELETEではrecordが空のため変更前の行で判定する
			old := Change{Record: c.OldRecord}
			v, ok = old.String(f.Column)
		}
		return ok && v == f.Value
	}
	return true
}
