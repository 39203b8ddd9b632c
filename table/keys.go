// Package table is the single-table data access layer. Every entity lives in
// one DynamoDB table under a partition key of the form "<TYPE>#<id>".
package table

import (
	"strings"
	"time"

	"github.com/gurre/fixit/apperr"
	"github.com/gurre/fixit/identity"
)

// Attribute names shared by every record
const (
	AttrPK         = "PK"
	AttrSK         = "SK"
	AttrEntityType = "entityType"
	AttrCreatedAt  = "createdAt"
	AttrUpdatedAt  = "updatedAt"
)

// TimeLayout is fixed width so that lexical order of stored timestamps is
// time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// EntityType names a kind of record in the table.
type EntityType string

const (
	EntityUser     EntityType = "USER"
	EntityProvider EntityType = "PROVIDER"
	EntityRequest  EntityType = "REQUEST"
)

// EntityTypes lists every known entity type.
var EntityTypes = []EntityType{EntityUser, EntityProvider, EntityRequest}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityUser, EntityProvider, EntityRequest:
		return true
	}
	return false
}

// Prefix is the partition key prefix shared by all records of type t.
func (t EntityType) Prefix() string {
	return string(t) + "#"
}

// SortKey is the fixed sort key value used when the table has a composite
// primary key.
func (t EntityType) SortKey() string {
	if t == EntityRequest {
		return "REQUEST#INFO"
	}
	return "PROFILE#INFO"
}

// ForRole maps an account role to the entity type its profile is stored as.
func ForRole(r identity.Role) EntityType {
	switch r.(type) {
	case identity.Provider:
		return EntityProvider
	case identity.Seeker, identity.Owner:
		return EntityUser
	}
	return EntityUser
}

// PartitionKey builds "<TYPE>#<id>". It fails with InvalidKey for an unknown
// type or an empty id.
func PartitionKey(t EntityType, id string) (string, error) {
	if !t.Valid() {
		return "", apperr.ErrInvalidKey.WithMessage("unknown entity type %q", string(t))
	}
	if strings.TrimSpace(id) == "" {
		return "", apperr.ErrInvalidKey
	}
	return t.Prefix() + id, nil
}

// SplitKey is the inverse of PartitionKey.
func SplitKey(pk string) (EntityType, string, bool) {
	prefix, id, ok := strings.Cut(pk, "#")
	if !ok || id == "" {
		return "", "", false
	}
	t := EntityType(prefix)
	if !t.Valid() {
		return "", "", false
	}
	return t, id, true
}

// entityPrefix returns the entity type whose prefix is exactly p.
func entityPrefix(p string) (EntityType, bool) {
	for _, t := range EntityTypes {
		if t.Prefix() == p {
			return t, true
		}
	}
	return "", false
}

// FormatTime renders t in TimeLayout, in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp. Second-precision RFC 3339 values
// written by older clients are accepted too.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
