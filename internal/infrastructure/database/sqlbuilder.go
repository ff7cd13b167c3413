package database

import (
	"errors"

	"github.com/huandu/go-sqlbuilder"
	"github.com/mattn/go-sqlite3"
)

// Flavor is the go-sqlbuilder dialect for every query in this module.
var Flavor = sqlbuilder.SQLite

// NewSelectBuilder returns a SELECT builder using the SQLite flavour.
func NewSelectBuilder() *sqlbuilder.SelectBuilder {
	return Flavor.NewSelectBuilder()
}

// NewInsertBuilder returns an INSERT builder using the SQLite flavour.
func NewInsertBuilder() *sqlbuilder.InsertBuilder {
	return Flavor.NewInsertBuilder()
}

// NewUpdateBuilder returns an UPDATE builder using the SQLite flavour.
func NewUpdateBuilder() *sqlbuilder.UpdateBuilder {
	return Flavor.NewUpdateBuilder()
}

// NewDeleteBuilder returns a DELETE builder using the SQLite flavour.
func NewDeleteBuilder() *sqlbuilder.DeleteBuilder {
	return Flavor.NewDeleteBuilder()
}

// NewStruct maps a db-tagged struct to column lists for builders.
func NewStruct(v any) *sqlbuilder.Struct {
	return sqlbuilder.NewStruct(v).For(Flavor)
}

// IsUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY constraint failure.
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// IsForeignKeyViolation reports whether err is a FOREIGN KEY constraint failure.
func IsForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
