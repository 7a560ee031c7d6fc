package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamo is a small in-memory DynamoDB for unit tests. It understands the
// handful of expression shapes the store emits: clauses joined by AND using
// =, <, <=, >, >=, attribute_exists, attribute_not_exists and begins_with, and
// SET-only update expressions.
// NOTE: This is intentionally minimal and not production-grade.
type mockDynamo struct {
	mu     sync.Mutex
	keys   map[string]string // table -> hash key attribute
	tables map[string]map[string]map[string]types.AttributeValue

	transactCalls int
	failNext      error
}

func newMockDynamo(tables Tables) *mockDynamo {
	return &mockDynamo{
		keys: map[string]string{
			tables.Locks:       "pk",
			tables.Idempotency: "idempotency_key",
			tables.Throttle:    "throttle_key",
		},
		tables: map[string]map[string]map[string]types.AttributeValue{},
	}
}

func (m *mockDynamo) table(name string) map[string]map[string]types.AttributeValue {
	t, ok := m.tables[name]
	if !ok {
		t = map[string]map[string]types.AttributeValue{}
		m.tables[name] = t
	}
	return t
}

func (m *mockDynamo) keyOf(table string, item map[string]types.AttributeValue) (string, error) {
	attr := m.keys[table]
	v, ok := item[attr].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("missing key %s for table %s", attr, table)
	}
	return v.Value, nil
}

func (m *mockDynamo) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	k, err := m.keyOf(*params.TableName, params.Item)
	if err != nil {
		return nil, err
	}
	t := m.table(*params.TableName)
	ok, err := evalCondition(params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues, t[k])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: awsString("The conditional request failed")}
	}
	t[k] = copyItem(params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	k, err := m.keyOf(*params.TableName, params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.table(*params.TableName)[k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	k, err := m.keyOf(*params.TableName, params.Key)
	if err != nil {
		return nil, err
	}
	t := m.table(*params.TableName)
	ok, err := evalCondition(params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues, t[k])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: awsString("The conditional request failed")}
	}
	item, err := applyUpdate(t[k], params.Key, params.UpdateExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	t[k] = item
	return &dyn.UpdateItemOutput{Attributes: copyItem(item)}, nil
}

func (m *mockDynamo) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	var items []map[string]types.AttributeValue
	for _, item := range m.table(*params.TableName) {
		ok, err := evalCondition(params.FilterExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues, item)
		if err != nil {
			return nil, err
		}
		if ok {
			items = append(items, copyItem(item))
		}
	}
	return &dyn.ScanOutput{Items: items}, nil
}

func (m *mockDynamo) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactCalls++
	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	reasons := make([]types.CancellationReason, len(params.TransactItems))
	cancelled := false
	for i, it := range params.TransactItems {
		var (
			table   string
			condPtr *string
			names   map[string]string
			values  map[string]types.AttributeValue
			key     map[string]types.AttributeValue
		)
		switch {
		case it.Put != nil:
			table, condPtr, names, values, key = *it.Put.TableName, it.Put.ConditionExpression, it.Put.ExpressionAttributeNames, it.Put.ExpressionAttributeValues, it.Put.Item
		case it.Update != nil:
			table, condPtr, names, values, key = *it.Update.TableName, it.Update.ConditionExpression, it.Update.ExpressionAttributeNames, it.Update.ExpressionAttributeValues, it.Update.Key
		case it.Delete != nil:
			table, condPtr, names, values, key = *it.Delete.TableName, it.Delete.ConditionExpression, it.Delete.ExpressionAttributeNames, it.Delete.ExpressionAttributeValues, it.Delete.Key
		default:
			return nil, errors.New("unsupported transact item")
		}
		k, err := m.keyOf(table, key)
		if err != nil {
			return nil, err
		}
		ok, err := evalCondition(condPtr, names, values, m.table(table)[k])
		if err != nil {
			return nil, err
		}
		code := "None"
		if !ok {
			code = "ConditionalCheckFailed"
			cancelled = true
		}
		reasons[i] = types.CancellationReason{Code: awsString(code)}
	}
	if cancelled {
		return nil, &types.TransactionCanceledException{
			Message:             awsString("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, it := range params.TransactItems {
		switch {
		case it.Put != nil:
			k, _ := m.keyOf(*it.Put.TableName, it.Put.Item)
			m.table(*it.Put.TableName)[k] = copyItem(it.Put.Item)
		case it.Update != nil:
			t := m.table(*it.Update.TableName)
			k, _ := m.keyOf(*it.Update.TableName, it.Update.Key)
			item, err := applyUpdate(t[k], it.Update.Key, it.Update.UpdateExpression, it.Update.ExpressionAttributeNames, it.Update.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			t[k] = item
		case it.Delete != nil:
			k, _ := m.keyOf(*it.Delete.TableName, it.Delete.Key)
			delete(m.table(*it.Delete.TableName), k)
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func copyItem(in map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func resolveName(name string, names map[string]string) string {
	if strings.HasPrefix(name, "#") {
		return names[name]
	}
	return name
}

func evalCondition(expr *string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (bool, error) {
	if expr == nil || *expr == "" {
		return true, nil
	}
	for _, clause := range strings.Split(*expr, " AND ") {
		clause = strings.TrimSpace(clause)
		ok, err := evalClause(clause, names, values, item)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalClause(clause string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (bool, error) {
	switch {
	case strings.HasPrefix(clause, "attribute_not_exists(") && strings.HasSuffix(clause, ")"):
		attr := resolveName(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_not_exists("), ")"), names)
		_, ok := item[attr]
		return !ok, nil
	case strings.HasPrefix(clause, "attribute_exists(") && strings.HasSuffix(clause, ")"):
		attr := resolveName(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_exists("), ")"), names)
		_, ok := item[attr]
		return ok, nil
	case strings.HasPrefix(clause, "begins_with(") && strings.HasSuffix(clause, ")"):
		args := strings.Split(strings.TrimSuffix(strings.TrimPrefix(clause, "begins_with("), ")"), ",")
		if len(args) != 2 {
			return false, fmt.Errorf("bad begins_with: %s", clause)
		}
		got, ok := item[resolveName(strings.TrimSpace(args[0]), names)].(*types.AttributeValueMemberS)
		want, wok := values[strings.TrimSpace(args[1])].(*types.AttributeValueMemberS)
		if !ok || !wok {
			return false, nil
		}
		return strings.HasPrefix(got.Value, want.Value), nil
	}

	for _, op := range []string{"<=", ">=", "=", "<", ">"} {
		parts := strings.SplitN(clause, " "+op+" ", 2)
		if len(parts) != 2 {
			continue
		}
		lhs, ok := item[resolveName(strings.TrimSpace(parts[0]), names)]
		if !ok {
			return false, nil
		}
		rhs, ok := values[strings.TrimSpace(parts[1])]
		if !ok {
			return false, fmt.Errorf("missing value %s", parts[1])
		}
		cmp, err := compareAV(lhs, rhs)
		if err != nil {
			return false, err
		}
		switch op {
		case "=":
			return cmp == 0, nil
		case "<":
			return cmp < 0, nil
		case "<=":
			return cmp <= 0, nil
		case ">":
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	}
	return false, fmt.Errorf("unsupported clause: %s", clause)
}

func compareAV(a, b types.AttributeValue) (int, error) {
	switch av := a.(type) {
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, errors.New("type mismatch")
		}
		x, err := strconv.ParseInt(av.Value, 10, 64)
		if err != nil {
			return 0, err
		}
		y, err := strconv.ParseInt(bv.Value, 10, 64)
		if err != nil {
			return 0, err
		}
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
		return 0, nil
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, errors.New("type mismatch")
		}
		return strings.Compare(av.Value, bv.Value), nil
	}
	return 0, fmt.Errorf("unsupported attribute type %T", a)
}

func applyUpdate(existing, key map[string]types.AttributeValue, expr *string, names map[string]string, values map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	item := copyItem(existing)
	for k, v := range key {
		item[k] = v
	}
	if expr == nil {
		return item, nil
	}
	body := strings.TrimSpace(*expr)
	if !strings.HasPrefix(body, "SET ") {
		return nil, fmt.Errorf("unsupported update: %s", body)
	}
	for _, assign := range strings.Split(strings.TrimPrefix(body, "SET "), ",") {
		parts := strings.SplitN(assign, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("bad assignment: %s", assign)
		}
		name := resolveName(strings.TrimSpace(parts[0]), names)
		v, ok := values[strings.TrimSpace(parts[1])]
		if !ok {
			return nil, fmt.Errorf("missing value %s", parts[1])
		}
		item[name] = v
	}
	return item, nil
}
