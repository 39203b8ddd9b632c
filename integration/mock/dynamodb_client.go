// Package mock provides in-memory stand-ins for the AWS services the gateway
// talks to. They implement the interfaces in package aws and understand the
// subset of expression syntax the gateway generates.
package mock

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// DynamoDBClient is an in-memory single-region DynamoDB. Items are keyed by
// their PK and, when present in the key, SK attribute.
type DynamoDBClient struct {
	mu sync.RWMutex
	// tableName -> compositeKey -> attributes
	tables map[string]map[string]map[string]types.AttributeValue
	calls  []string
	fail   []error

	// PageSize limits items per Scan or Query page; zero means unlimited.
	PageSize int
}

// NewDynamoDBClient creates a mock with the named tables already present.
// Calls against any other table fail with ResourceNotFoundException.
func NewDynamoDBClient(tables ...string) *DynamoDBClient {
	m := &DynamoDBClient{tables: make(map[string]map[string]map[string]types.AttributeValue)}
	for _, t := range tables {
		m.tables[t] = make(map[string]map[string]types.AttributeValue)
	}
	return m
}

// FailNext queues errors returned by the next calls, one per call.
func (m *DynamoDBClient) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = append(m.fail, errs...)
}

// Calls returns the API operations invoked so far, in order.
func (m *DynamoDBClient) Calls() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.calls...)
}

// ClearHistory forgets recorded calls.
func (m *DynamoDBClient) ClearHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Items returns a copy of every item in tableName.
func (m *DynamoDBClient) Items(tableName string) []map[string]types.AttributeValue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := sortedKeys(m.tables[tableName])
	out := make([]map[string]types.AttributeValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, copyItem(m.tables[tableName][k]))
	}
	return out
}

// Seed stores item directly, bypassing call recording and fault injection.
func (m *DynamoDBClient) Seed(tableName string, item map[string]types.AttributeValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tables[tableName] == nil {
		m.tables[tableName] = make(map[string]map[string]types.AttributeValue)
	}
	m.tables[tableName][compositeKey(item)] = copyItem(item)
}

// begin records the call, pops an injected fault and resolves the table.
// The caller must hold m.mu.
func (m *DynamoDBClient) begin(op string, tableName *string) (map[string]map[string]types.AttributeValue, error) {
	m.calls = append(m.calls, op)
	if len(m.fail) > 0 {
		err := m.fail[0]
		m.fail = m.fail[1:]
		return nil, err
	}
	name := aws.ToString(tableName)
	t, ok := m.tables[name]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found: Table: " + name + " not found")}
	}
	return t, nil
}

func compositeKey(item map[string]types.AttributeValue) string {
	k := "PK=" + attributeToString(item["PK"])
	if sk, ok := item["SK"]; ok {
		k += "#SK=" + attributeToString(sk)
	}
	return k
}

// attributeToString converts an AttributeValue to a string for key generation
func attributeToString(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	default:
		return ""
	}
}

func validateKey(key map[string]types.AttributeValue) error {
	if attributeToString(key["PK"]) == "" {
		return validationError("One or more parameter values are not valid. The AttributeValue for a key attribute cannot contain an empty string value. Key: PK")
	}
	return nil
}

// GetItem implements aws.DynamoDBClient. ProjectionExpression is honoured
// for plain attribute references.
func (m *DynamoDBClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.begin("GetItem", params.TableName)
	if err != nil {
		return nil, err
	}
	if err := validateKey(params.Key); err != nil {
		return nil, err
	}

	item, ok := t[compositeKey(params.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	out := copyItem(item)
	if params.ProjectionExpression != nil {
		projected := make(map[string]types.AttributeValue)
		for _, ref := range strings.Split(*params.ProjectionExpression, ",") {
			name := resolveName(strings.TrimSpace(ref), params.ExpressionAttributeNames)
			if v, ok := out[name]; ok {
				projected[name] = v
			}
		}
		out = projected
	}
	return &dynamodb.GetItemOutput{Item: out}, nil
}

// PutItem implements aws.DynamoDBClient.
func (m *DynamoDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.begin("PutItem", params.TableName)
	if err != nil {
		return nil, err
	}
	if err := validateKey(params.Item); err != nil {
		return nil, err
	}
	t[compositeKey(params.Item)] = copyItem(params.Item)
	return &dynamodb.PutItemOutput{}, nil
}

// UpdateItem implements aws.DynamoDBClient. It applies SET clauses, with
// plain values or if_not_exists(#a, :v), and REMOVE clauses.
func (m *DynamoDBClient) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.begin("UpdateItem", params.TableName)
	if err != nil {
		return nil, err
	}
	if err := validateKey(params.Key); err != nil {
		return nil, err
	}

	ck := compositeKey(params.Key)
	item, exists := t[ck]
	if !exists {
		item = copyItem(params.Key)
	} else {
		item = copyItem(item)
	}

	expr := aws.ToString(params.UpdateExpression)
	setExpr, removeExpr := expr, ""
	if idx := strings.Index(expr, " REMOVE "); idx != -1 {
		setExpr, removeExpr = expr[:idx], expr[idx+len(" REMOVE "):]
	} else if strings.HasPrefix(expr, "REMOVE ") {
		setExpr, removeExpr = "", strings.TrimPrefix(expr, "REMOVE ")
	}

	if setExpr = strings.TrimPrefix(strings.TrimSpace(setExpr), "SET "); setExpr != "" {
		for _, assignment := range splitTopLevel(setExpr) {
			lhs, rhs, ok := strings.Cut(assignment, " = ")
			if !ok {
				return nil, validationError("Invalid UpdateExpression: " + assignment)
			}
			name := resolveName(strings.TrimSpace(lhs), params.ExpressionAttributeNames)
			rhs = strings.TrimSpace(rhs)

			if inner, ok := strings.CutPrefix(rhs, "if_not_exists("); ok {
				ref, val, _ := strings.Cut(strings.TrimSuffix(inner, ")"), ",")
				ref = resolveName(strings.TrimSpace(ref), params.ExpressionAttributeNames)
				if _, present := item[ref]; present {
					item[name] = item[ref]
					continue
				}
				rhs = strings.TrimSpace(val)
			}
			v, ok := params.ExpressionAttributeValues[rhs]
			if !ok {
				return nil, validationError("An expression attribute value used in expression is not defined: " + rhs)
			}
			item[name] = v
		}
	}
	for _, ref := range strings.Split(removeExpr, ",") {
		if ref = strings.TrimSpace(ref); ref != "" {
			delete(item, resolveName(ref, params.ExpressionAttributeNames))
		}
	}

	t[ck] = item
	out := &dynamodb.UpdateItemOutput{}
	if params.ReturnValues == types.ReturnValueAllNew {
		out.Attributes = copyItem(item)
	}
	return out, nil
}

// Scan implements aws.DynamoDBClient. FilterExpression supports
// begins_with(#a, :v) and #a = :v.
func (m *DynamoDBClient) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.begin("Scan", params.TableName)
	if err != nil {
		return nil, err
	}
	match, err := compileCondition(aws.ToString(params.FilterExpression), params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}

	page, last := m.page(t, params.ExclusiveStartKey, match)
	return &dynamodb.ScanOutput{Items: page, Count: int32(len(page)), LastEvaluatedKey: last}, nil
}

// Query implements aws.DynamoDBClient for equality key conditions. With
// IndexName set, the condition is evaluated against the index hash key
// attribute; items without it are not in the index.
func (m *DynamoDBClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.begin("Query", params.TableName)
	if err != nil {
		return nil, err
	}
	match, err := compileCondition(aws.ToString(params.KeyConditionExpression), params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}

	page, last := m.page(t, params.ExclusiveStartKey, match)
	return &dynamodb.QueryOutput{Items: page, Count: int32(len(page)), LastEvaluatedKey: last}, nil
}

// page returns matching items in key order after start, limited by PageSize.
// The caller must hold m.mu.
func (m *DynamoDBClient) page(t map[string]map[string]types.AttributeValue, start map[string]types.AttributeValue, match func(map[string]types.AttributeValue) bool) ([]map[string]types.AttributeValue, map[string]types.AttributeValue) {
	keys := sortedKeys(t)
	from := 0
	if len(start) > 0 {
		sk := compositeKey(start)
		from = sort.SearchStrings(keys, sk)
		if from < len(keys) && keys[from] == sk {
			from++
		}
	}

	var items []map[string]types.AttributeValue
	for i := from; i < len(keys); i++ {
		item := t[keys[i]]
		if match(item) {
			items = append(items, copyItem(item))
		}
		if m.PageSize > 0 && i-from+1 >= m.PageSize && i < len(keys)-1 {
			last := map[string]types.AttributeValue{"PK": item["PK"]}
			if sk, ok := item["SK"]; ok {
				last["SK"] = sk
			}
			return items, last
		}
	}
	return items, nil
}

// compileCondition understands the single-clause expressions the gateway
// issues. An empty expression matches everything.
func compileCondition(expr string, names map[string]string, values map[string]types.AttributeValue) (func(map[string]types.AttributeValue) bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return func(map[string]types.AttributeValue) bool { return true }, nil
	}
	if inner, ok := strings.CutPrefix(expr, "begins_with("); ok {
		ref, val, _ := strings.Cut(strings.TrimSuffix(inner, ")"), ",")
		name := resolveName(strings.TrimSpace(ref), names)
		prefix, ok := values[strings.TrimSpace(val)]
		if !ok {
			return nil, validationError("undefined value in " + expr)
		}
		p := attributeToString(prefix)
		return func(item map[string]types.AttributeValue) bool {
			s, ok := item[name].(*types.AttributeValueMemberS)
			return ok && strings.HasPrefix(s.Value, p)
		}, nil
	}
	if lhs, rhs, ok := strings.Cut(expr, " = "); ok {
		name := resolveName(strings.TrimSpace(lhs), names)
		want, ok := values[strings.TrimSpace(rhs)]
		if !ok {
			return nil, validationError("undefined value in " + expr)
		}
		w := attributeToString(want)
		return func(item map[string]types.AttributeValue) bool {
			v, ok := item[name]
			return ok && attributeToString(v) == w
		}, nil
	}
	return nil, validationError("unsupported expression: " + expr)
}

// splitTopLevel splits on commas that are not inside parentheses.
func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(parts, strings.TrimSpace(s[start:]))
}

func resolveName(ref string, names map[string]string) string {
	if resolved, ok := names[ref]; ok {
		return resolved
	}
	return ref
}

func sortedKeys(t map[string]map[string]types.AttributeValue) []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

// validationError mimics the service's ValidationException, which has no
// modeled type in the SDK.
func validationError(msg string) error {
	return &smithy.GenericAPIError{Code: "ValidationException", Message: msg, Fault: smithy.FaultClient}
}
