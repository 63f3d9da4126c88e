package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONIntMap JSON column holding an allocation (worker id -> batch size)
type JSONIntMap map[int]int

// Scan implements sql.Scanner interface
func (j *JSONIntMap) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, err := columnBytes(value)
	if err != nil {
		return fmt.Errorf("failed to unmarshal JSONIntMap value: %w", err)
	}
	result := make(map[int]int)
	err = json.Unmarshal(bytes, &result)
	*j = JSONIntMap(result)
	return err
}

// Value implements driver.Valuer interface
func (j JSONIntMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// JSONIntArray JSON column holding worker ids
type JSONIntArray []int

// Scan implements sql.Scanner interface
func (j *JSONIntArray) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, err := columnBytes(value)
	if err != nil {
		return fmt.Errorf("failed to unmarshal JSONIntArray value: %w", err)
	}
	result := make([]int, 0)
	err = json.Unmarshal(bytes, &result)
	*j = JSONIntArray(result)
	return err
}

// Value implements driver.Valuer interface
func (j JSONIntArray) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// the mysql driver returns []byte, some drivers return string
func columnBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	return nil, fmt.Errorf("unsupported column type %T", value)
}
