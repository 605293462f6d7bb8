// Package dbtest provides an in-memory DynamoDB API for tests.
package dbtest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// Operation names accepted by FailNext and Calls.
const (
	OpDescribeTable = "DescribeTable"
	OpCreateTable   = "CreateTable"
	OpPutItem       = "PutItem"
	OpGetItem       = "GetItem"
	OpScan          = "Scan"
)

type table struct {
	desc  types.TableDescription
	items map[string]map[string]types.AttributeValue
}

// Fake is an in-memory, single-region DynamoDB supporting the operations
// used by the db package. It is safe for concurrent use.
//
// Faults are injected per operation with FailNext, or globally with
// SetUnreachable.
type Fake struct {
	mu          sync.Mutex
	tables      map[string]*table
	faults      map[string][]error
	calls       map[string]int
	unreachable bool
	createRace  bool
	lastGet     *dynamodb.GetItemInput
	created     int
}

// NewFake returns an empty fake with no tables.
func NewFake() *Fake {
	return &Fake{
		tables: make(map[string]*table),
		faults: make(map[string][]error),
		calls:  make(map[string]int),
	}
}

// SetUnreachable makes every call fail as if the endpoint refused the
// connection.
func (f *Fake) SetUnreachable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable = v
}

// FailNext queues errors returned by the next calls to op, one per call.
func (f *Fake) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = append(f.faults[op], errs...)
}

// SimulateCreateRace makes the next CreateTable behave as if another
// process created the table first: the table appears and the call fails
// with ResourceInUseException.
func (f *Fake) SimulateCreateRace() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createRace = true
}

// AddTable registers an ACTIVE table keyed on hashKey.
func (f *Fake) AddTable(name, hashKey string, keyType types.ScalarAttributeType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addTableLocked(name, hashKey, keyType)
}

func (f *Fake) addTableLocked(name, hashKey string, keyType types.ScalarAttributeType) {
	f.created++
	f.tables[name] = &table{
		desc: types.TableDescription{
			TableName:        aws.String(name),
			TableId:          aws.String(fmt.Sprintf("%s-%04d", name, f.created)),
			CreationDateTime: aws.Time(time.Now()),
			TableStatus:      types.TableStatusActive,
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(hashKey), KeyType: types.KeyTypeHash},
			},
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String(hashKey), AttributeType: keyType},
			},
		},
		items: make(map[string]map[string]types.AttributeValue),
	}
}

// DeleteTable drops a table and its items. A table created later under the
// same name gets a new TableId.
func (f *Fake) DeleteTable(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tables, name)
}

// HasTable reports whether the table exists.
func (f *Fake) HasTable(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tables[name]
	return ok
}

// ItemCount returns the number of items in a table.
func (f *Fake) ItemCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tables[name]; ok {
		return len(t.items)
	}
	return 0
}

// Calls returns how many times op was invoked, failed calls included.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// LastGetItem returns the input of the most recent GetItem call.
func (f *Fake) LastGetItem() *dynamodb.GetItemInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastGet
}

// begin records a call and returns an injected fault, if any.
func (f *Fake) begin(ctx context.Context, op string) error {
	f.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.unreachable {
		return UnreachableError()
	}
	if q := f.faults[op]; len(q) > 0 {
		err := q[0]
		f.faults[op] = q[1:]
		return err
	}
	return nil
}

func (f *Fake) lookup(name *string) (*table, error) {
	t, ok := f.tables[aws.ToString(name)]
	if !ok {
		return nil, &types.ResourceNotFoundException{
			Message: aws.String(fmt.Sprintf("Requested resource not found: Table: %s not found", aws.ToString(name))),
		}
	}
	return t, nil
}

// DescribeTable implements db.API.
func (f *Fake) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpDescribeTable); err != nil {
		return nil, err
	}
	t, err := f.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	desc := t.desc
	desc.ItemCount = aws.Int64(int64(len(t.items)))
	return &dynamodb.DescribeTableOutput{Table: &desc}, nil
}

// CreateTable implements db.API. Tables become ACTIVE immediately.
func (f *Fake) CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpCreateTable); err != nil {
		return nil, err
	}
	name := aws.ToString(in.TableName)
	if f.createRace {
		f.createRace = false
		f.addTableLocked(name, "conversationId", types.ScalarAttributeTypeS)
	}
	if _, ok := f.tables[name]; ok {
		return nil, ResourceInUseError(name)
	}
	if len(in.KeySchema) == 0 {
		return nil, &smithy.GenericAPIError{Code: "ValidationException", Message: "KeySchema is required"}
	}

	f.created++
	t := &table{
		desc: types.TableDescription{
			TableName:            in.TableName,
			TableId:              aws.String(fmt.Sprintf("%s-%04d", name, f.created)),
			CreationDateTime:     aws.Time(time.Now()),
			TableStatus:          types.TableStatusActive,
			KeySchema:            in.KeySchema,
			AttributeDefinitions: in.AttributeDefinitions,
			BillingModeSummary:   &types.BillingModeSummary{BillingMode: in.BillingMode},
		},
		items: make(map[string]map[string]types.AttributeValue),
	}
	f.tables[name] = t
	desc := t.desc
	return &dynamodb.CreateTableOutput{TableDescription: &desc}, nil
}

// PutItem implements db.API.
func (f *Fake) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpPutItem); err != nil {
		return nil, err
	}
	t, err := f.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	key, err := t.keyOf(in.Item)
	if err != nil {
		return nil, err
	}
	item := make(map[string]types.AttributeValue, len(in.Item))
	for k, v := range in.Item {
		item[k] = v
	}
	t.items[key] = item
	return &dynamodb.PutItemOutput{}, nil
}

// GetItem implements db.API.
func (f *Fake) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastGet = in
	if err := f.begin(ctx, OpGetItem); err != nil {
		return nil, err
	}
	t, err := f.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	key, err := t.keyOf(in.Key)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: t.items[key]}, nil
}

// Scan implements db.API. Items are returned in key order; Limit and
// ExclusiveStartKey are honored, projections are not.
func (f *Fake) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpScan); err != nil {
		return nil, err
	}
	t, err := f.lookup(in.TableName)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(t.items))
	for k := range t.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if len(in.ExclusiveStartKey) > 0 {
		after, err := t.keyOf(in.ExclusiveStartKey)
		if err != nil {
			return nil, err
		}
		start = sort.SearchStrings(keys, after)
		if start < len(keys) && keys[start] == after {
			start++
		}
	}

	limit := len(keys) - start
	if in.Limit != nil && int(*in.Limit) < limit {
		limit = int(*in.Limit)
	}

	out := &dynamodb.ScanOutput{}
	for _, k := range keys[start : start+limit] {
		out.Items = append(out.Items, t.items[k])
	}
	out.Count = int32(len(out.Items))
	if start+limit < len(keys) {
		last := keys[start+limit-1]
		out.LastEvaluatedKey = t.items[last]
	}
	return out, nil
}

// keyOf extracts the hash key value of an item or key map.
func (t *table) keyOf(item map[string]types.AttributeValue) (string, error) {
	name := aws.ToString(t.desc.KeySchema[0].AttributeName)
	v, ok := item[name].(*types.AttributeValueMemberS)
	if !ok || v.Value == "" {
		return "", &smithy.GenericAPIError{
			Code:    "ValidationException",
			Message: fmt.Sprintf("One or more parameter values were invalid: Missing the key %s in the item", name),
		}
	}
	return v.Value, nil
}

// UnreachableError is the error returned while the fake is unreachable.
func UnreachableError() error {
	return &smithyhttp.RequestSendError{
		Err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connect: connection refused")},
	}
}

// ThrottlingError is a provisioned-throughput rejection.
func ThrottlingError() error {
	return &types.ProvisionedThroughputExceededException{
		Message: aws.String("The level of configured provisioned throughput for the table was exceeded."),
	}
}

// AccessDeniedError is an IAM authorization failure.
func AccessDeniedError() error {
	return &smithy.GenericAPIError{
		Code:    "AccessDeniedException",
		Message: "User is not authorized to perform: dynamodb:PutItem",
	}
}

// ItemTooLargeError is the rejection for items over the 400 KB limit.
func ItemTooLargeError() error {
	return &smithy.GenericAPIError{
		Code:    "ValidationException",
		Message: "Item size has exceeded the maximum allowed size",
	}
}

// ResourceInUseError is returned when creating a table that exists.
func ResourceInUseError(name string) error {
	return &types.ResourceInUseException{
		Message: aws.String(fmt.Sprintf("Table already exists: %s", name)),
	}
}
