// Package testutil provides in-memory fakes shared by package tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// MemoryDynamo is a small in-memory DynamoDB supporting the expression forms used by the stores:
// conditions joined by AND over attribute_exists, attribute_not_exists, equality and <, SET-only
// update expressions, and single-equality key conditions on queries with paging.
type MemoryDynamo struct {
	mu     sync.Mutex
	keys   map[string]string
	tables map[string]map[string]map[string]types.AttributeValue

	// BeforeUpdate, when set, runs before an UpdateItem is evaluated (outside the lock).
	// Tests use it to interleave a competing writer.
	BeforeUpdate func(in *dyn.UpdateItemInput)

	// QueryPageSize, when positive, caps every Query page the way DynamoDB's 1 MB limit does.
	QueryPageSize int

	failures map[string]error
	calls    map[string]int
}

// NewMemoryDynamo creates tables keyed by the given partition-key attribute (table -> pk).
func NewMemoryDynamo(keys map[string]string) *MemoryDynamo {
	m := &MemoryDynamo{
		keys:     map[string]string{},
		tables:   map[string]map[string]map[string]types.AttributeValue{},
		failures: map[string]error{},
		calls:    map[string]int{},
	}
	for table, pk := range keys {
		m.keys[table] = pk
		m.tables[table] = map[string]map[string]types.AttributeValue{}
	}
	return m
}

// FailNext makes the next call of op (e.g. "UpdateItem") return err.
func (m *MemoryDynamo) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

// Calls returns how many times op was invoked.
func (m *MemoryDynamo) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Item returns a copy of the stored item, or nil.
func (m *MemoryDynamo) Item(table, pk string) map[string]types.AttributeValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.tables[table][pk]
	if !ok {
		return nil
	}
	return copyItem(item)
}

// Seed stores item directly, bypassing conditions.
func (m *MemoryDynamo) Seed(table string, item map[string]types.AttributeValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk := m.keys[table]
	m.tables[table][stringValue(item[pk])] = copyItem(item)
}

func (m *MemoryDynamo) enter(op string) error {
	m.calls[op]++
	if err, ok := m.failures[op]; ok {
		delete(m.failures, op)
		return err
	}
	return nil
}

func (m *MemoryDynamo) table(name *string) (string, map[string]map[string]types.AttributeValue, error) {
	if name == nil {
		return "", nil, errors.New("table name is required")
	}
	tbl, ok := m.tables[*name]
	if !ok {
		return "", nil, &types.ResourceNotFoundException{Message: name}
	}
	return m.keys[*name], tbl, nil
}

func (m *MemoryDynamo) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("PutItem"); err != nil {
		return nil, err
	}
	pk, tbl, err := m.table(in.TableName)
	if err != nil {
		return nil, err
	}
	key := stringValue(in.Item[pk])
	if key == "" {
		return nil, fmt.Errorf("missing key attribute %s", pk)
	}
	ok, err := evalCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, tbl[key])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("the conditional request failed")}
	}
	tbl[key] = copyItem(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (m *MemoryDynamo) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetItem"); err != nil {
		return nil, err
	}
	pk, tbl, err := m.table(in.TableName)
	if err != nil {
		return nil, err
	}
	item, ok := tbl[stringValue(in.Key[pk])]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (m *MemoryDynamo) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	if hook := m.BeforeUpdate; hook != nil {
		hook(in)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateItem"); err != nil {
		return nil, err
	}
	pk, tbl, err := m.table(in.TableName)
	if err != nil {
		return nil, err
	}
	key := stringValue(in.Key[pk])
	current := tbl[key]
	ok, err := evalCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, current)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("the conditional request failed")}
	}
	next := copyItem(current)
	if next == nil {
		next = copyItem(in.Key)
	}
	if in.UpdateExpression != nil {
		expr := strings.TrimSpace(*in.UpdateExpression)
		if !strings.HasPrefix(expr, "SET ") {
			return nil, fmt.Errorf("unsupported update expression %q", expr)
		}
		for _, assignment := range strings.Split(strings.TrimPrefix(expr, "SET "), ",") {
			parts := strings.SplitN(assignment, "=", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("unsupported assignment %q", assignment)
			}
			name := resolveName(strings.TrimSpace(parts[0]), in.ExpressionAttributeNames)
			value, ok := in.ExpressionAttributeValues[strings.TrimSpace(parts[1])]
			if !ok {
				return nil, fmt.Errorf("missing value for %q", parts[1])
			}
			next[name] = value
		}
	}
	tbl[key] = next
	out := &dyn.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueAllNew {
		out.Attributes = copyItem(next)
	}
	return out, nil
}

func (m *MemoryDynamo) DeleteItem(ctx context.Context, in *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteItem"); err != nil {
		return nil, err
	}
	pk, tbl, err := m.table(in.TableName)
	if err != nil {
		return nil, err
	}
	key := stringValue(in.Key[pk])
	current := tbl[key]
	ok, err := evalCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, current)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("the conditional request failed")}
	}
	delete(tbl, key)
	out := &dyn.DeleteItemOutput{}
	if in.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = current
	}
	return out, nil
}

func (m *MemoryDynamo) Query(ctx context.Context, in *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Query"); err != nil {
		return nil, err
	}
	pk, tbl, err := m.table(in.TableName)
	if err != nil {
		return nil, err
	}
	if in.KeyConditionExpression == nil {
		return nil, errors.New("key condition is required")
	}
	keys := make([]string, 0, len(tbl))
	for k := range tbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	limit := m.QueryPageSize
	if in.Limit != nil && (limit <= 0 || int(*in.Limit) < limit) {
		limit = int(*in.Limit)
	}
	after := stringValue(in.ExclusiveStartKey[pk])

	out := &dyn.QueryOutput{}
	for _, k := range keys {
		if after != "" && k <= after {
			continue
		}
		ok, err := evalCondition(in.KeyConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, tbl[k])
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if limit > 0 && len(out.Items) == limit {
			out.LastEvaluatedKey = map[string]types.AttributeValue{pk: &types.AttributeValueMemberS{Value: stringValue(out.Items[limit-1][pk])}}
			break
		}
		out.Items = append(out.Items, copyItem(tbl[k]))
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

func evalCondition(expr *string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (bool, error) {
	if expr == nil || strings.TrimSpace(*expr) == "" {
		return true, nil
	}
	for _, term := range strings.Split(*expr, " AND ") {
		term = strings.TrimSpace(term)
		switch {
		case strings.HasPrefix(term, "attribute_exists(") && strings.HasSuffix(term, ")"):
			name := resolveName(term[len("attribute_exists("):len(term)-1], names)
			if _, ok := item[name]; !ok {
				return false, nil
			}
		case strings.HasPrefix(term, "attribute_not_exists(") && strings.HasSuffix(term, ")"):
			name := resolveName(term[len("attribute_not_exists("):len(term)-1], names)
			if _, ok := item[name]; ok {
				return false, nil
			}
		case strings.Contains(term, " < "):
			parts := strings.SplitN(term, " < ", 2)
			name := resolveName(strings.TrimSpace(parts[0]), names)
			bound, ok := values[strings.TrimSpace(parts[1])]
			if !ok {
				return false, fmt.Errorf("missing value for %q", parts[1])
			}
			got, ok := item[name]
			if !ok {
				return false, nil
			}
			less, err := lessThan(got, bound)
			if err != nil || !less {
				return false, err
			}
		case strings.Contains(term, "="):
			parts := strings.SplitN(term, "=", 2)
			name := resolveName(strings.TrimSpace(parts[0]), names)
			want, ok := values[strings.TrimSpace(parts[1])]
			if !ok {
				return false, fmt.Errorf("missing value for %q", parts[1])
			}
			got, ok := item[name]
			if !ok || !reflect.DeepEqual(got, want) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("unsupported condition %q", term)
		}
	}
	return true, nil
}

func lessThan(a, b types.AttributeValue) (bool, error) {
	an, aok := a.(*types.AttributeValueMemberN)
	bn, bok := b.(*types.AttributeValueMemberN)
	if aok && bok {
		x, err := strconv.ParseFloat(an.Value, 64)
		if err != nil {
			return false, err
		}
		y, err := strconv.ParseFloat(bn.Value, 64)
		if err != nil {
			return false, err
		}
		return x < y, nil
	}
	as, aok := a.(*types.AttributeValueMemberS)
	bs, bok := b.(*types.AttributeValueMemberS)
	if aok && bok {
		return as.Value < bs.Value, nil
	}
	return false, fmt.Errorf("cannot compare %T with %T", a, b)
}

func resolveName(token string, names map[string]string) string {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(token, "#") {
		if n, ok := names[token]; ok {
			return n
		}
	}
	return token
}

func stringValue(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func strPtr(s string) *string { return &s }
