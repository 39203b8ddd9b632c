package table

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/gurre/fixit/apperr"
)

var updatable = map[EntityType]map[string]bool{
	EntityUser: {
		"fullName":   true,
		"address":    true,
		"profileURL": true,
	},
	EntityProvider: {
		"fullName":    true,
		"address":     true,
		"profileURL":  true,
		"serviceType": true,
		"experience":  true,
		"dailyRate":   true,
		"hourlyRate":  true,
	},
	EntityRequest: {
		"description": true,
		"status":      true,
	},
}

// Updatable reports whether field may be changed on records of type t.
func Updatable(t EntityType, field string) bool {
	return updatable[t][field]
}

// Patch is an ordered set of field assignments for Update.
type Patch struct {
	names  []string
	values map[string]any
}

// NewPatch returns an empty patch.
func NewPatch() *Patch {
	return &Patch{values: make(map[string]any)}
}

// Set assigns field. Setting the same field twice keeps the first position
// and the last value.
func (p *Patch) Set(field string, value any) *Patch {
	if _, ok := p.values[field]; !ok {
		p.names = append(p.names, field)
	}
	p.values[field] = value
	return p
}

// Fields returns the assigned field names in insertion order.
func (p *Patch) Fields() []string {
	return append([]string(nil), p.names...)
}

// Len is the number of assigned fields.
func (p *Patch) Len() int {
	if p == nil {
		return 0
	}
	return len(p.names)
}

// Validate checks every field against the allow-list for t.
func (p *Patch) Validate(t EntityType) error {
	if p.Len() == 0 {
		return apperr.ErrInvalidField.WithMessage("update has no fields")
	}
	for _, name := range p.names {
		if !Updatable(t, name) {
			return apperr.ErrInvalidField.WithMessage("field %q is not updatable for %s records", name, t)
		}
	}
	return nil
}

type compiledUpdate struct {
	expression string
	names      map[string]string
	values     map[string]types.AttributeValue
}

// compile builds the update expression. Field names and values only ever
// appear through #fN / :vN placeholders; updatedAt is always bumped and
// createdAt and entityType are filled in when the item did not exist.
func (p *Patch) compile(t EntityType, now string) (compiledUpdate, error) {
	c := compiledUpdate{
		names:  make(map[string]string, len(p.names)+3),
		values: make(map[string]types.AttributeValue, len(p.names)+2),
	}
	sets := make([]string, 0, len(p.names)+3)

	for i, name := range p.names {
		av, err := attributevalue.Marshal(p.values[name])
		if err != nil {
			return compiledUpdate{}, fmt.Errorf("marshal field %s: %w", name, err)
		}
		n, v := fmt.Sprintf("#f%d", i), fmt.Sprintf(":v%d", i)
		sets = append(sets, n+" = "+v)
		c.names[n] = name
		c.values[v] = av
	}

	c.names["#updatedAt"] = AttrUpdatedAt
	c.names["#createdAt"] = AttrCreatedAt
	c.names["#entityType"] = AttrEntityType
	c.values[":updatedAt"] = &types.AttributeValueMemberS{Value: now}
	c.values[":entityType"] = &types.AttributeValueMemberS{Value: string(t)}
	sets = append(sets,
		"#updatedAt = :updatedAt",
		"#createdAt = if_not_exists(#createdAt, :updatedAt)",
		"#entityType = if_not_exists(#entityType, :entityType)",
	)

	c.expression = "SET " + strings.Join(sets, ", ")
	return c, nil
}
