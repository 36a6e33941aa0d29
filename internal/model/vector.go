package model

import (
	"database/sql/driver"
	"fmt"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Vector is an embedding column. It is stored as a pgvector `vector` on
// PostgreSQL and as its text form ("[1,2,3]") on other dialects.
type Vector []float32

func (v Vector) Value() (driver.Value, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return pgvector.NewVector(v).Value()
}

func (v *Vector) Scan(src interface{}) error {
	if src == nil {
		*v = nil
		return nil
	}
	var pv pgvector.Vector
	if err := pv.Scan(src); err != nil {
		return fmt.Errorf("scan vector failed: %w", err)
	}
	*v = Vector(pv.Slice())
	return nil
}

func (Vector) GormDataType() string {
	return "vector"
}

func (Vector) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "vector"
	}
	return "text"
}

// PG returns the pgvector value used as a query parameter.
func (v Vector) PG() pgvector.Vector {
	return pgvector.NewVector(v)
}
