package models

import (
	"database/sql/driver"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// ID 平台分配的无符号 64 位标识 (用户 / 服务器 / 频道)
//
// Postgres 没有 uint64 列类型，所以按十进制存储：Postgres 上是 NUMERIC(20,0)，
// SQLite 上是 TEXT。绝不使用浮点类型。JSON 中同样编码为字符串。
type ID uint64

// IdentifierRangeError is returned when a value cannot be represented as an ID.
type IdentifierRangeError struct {
	Field string
	Value string
	Err   error
}

func (e *IdentifierRangeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("identifier %q out of range: %v", e.Value, e.Err)
	}
	return fmt.Sprintf("%s %q out of range: %v", e.Field, e.Value, e.Err)
}

func (e *IdentifierRangeError) Unwrap() error {
	return e.Err
}

var errZeroID = fmt.Errorf("identifier must be non-zero")

// ParseID parses a decimal identifier. Empty, negative, non-numeric, zero and
// values above 2^64-1 are rejected with *IdentifierRangeError.
func ParseID(field, s string) (ID, error) {
	raw := strings.TrimSpace(s)
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, &IdentifierRangeError{Field: field, Value: s, Err: err}
	}
	if v == 0 {
		return 0, &IdentifierRangeError{Field: field, Value: s, Err: errZeroID}
	}
	return ID(v), nil
}

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Value implements driver.Valuer. The decimal string form keeps every bit.
func (id ID) Value() (driver.Value, error) {
	return id.String(), nil
}

// Scan implements sql.Scanner.
func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return id.scanString(v)
	case []byte:
		return id.scanString(string(v))
	case int64:
		if v < 0 {
			return &IdentifierRangeError{Value: strconv.FormatInt(v, 10), Err: strconv.ErrRange}
		}
		*id = ID(v)
		return nil
	case float64:
		// Only reachable with a misconfigured column; accept values a double represents exactly.
		if v < 0 || v != math.Trunc(v) || v > 1<<53 {
			return &IdentifierRangeError{Value: strconv.FormatFloat(v, 'f', -1, 64), Err: strconv.ErrRange}
		}
		*id = ID(uint64(v))
		return nil
	case nil:
		return &IdentifierRangeError{Value: "NULL", Err: errZeroID}
	default:
		return fmt.Errorf("models: cannot scan %T into ID", src)
	}
}

func (id *ID) scanString(s string) error {
	// NUMERIC columns may come back as "123" or "123.0" depending on the driver.
	s = strings.TrimSuffix(strings.TrimSpace(s), ".0")
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return &IdentifierRangeError{Value: s, Err: err}
	}
	*id = ID(v)
	return nil
}

// MarshalText encodes the ID as a decimal string so JSON clients never lose precision.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText is the inverse of MarshalText. Unlike ParseID it accepts "0",
// which marks an unset optional id in JSON bodies and queued records.
func (id *ID) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(strings.TrimSpace(string(text)), 10, 64)
	if err != nil {
		return &IdentifierRangeError{Value: string(text), Err: err}
	}
	*id = ID(v)
	return nil
}

// GormDBDataType picks a lossless column type per dialect.
func (ID) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	switch db.Dialector.Name() {
	case "postgres":
		return "NUMERIC(20,0)"
	default:
		return "TEXT"
	}
}
