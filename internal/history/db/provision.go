package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v5"

	"github.com/beffjarker/jouster/internal/history"
)

// CheckConnectivity reports whether the table can be described within
// ProbeTimeout. Every failure, including a missing table, yields false.
// It has no side effects.
func (db *DB) CheckConnectivity(ctx context.Context) bool {
	return db.Probe(ctx) == nil
}

// Probe is CheckConnectivity with the classified reason for failure.
func (db *DB) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, db.cfg.ProbeTimeout)
	defer cancel()

	_, err := db.api.DescribeTable(ctx, db.tableInput())
	return classify("probe", "", err)
}

// TableStatus returns the table's status, or ErrTableNotFound.
func (db *DB) TableStatus(ctx context.Context) (types.TableStatus, error) {
	ctx, cancel := db.opContext(ctx)
	defer cancel()

	out, err := db.api.DescribeTable(ctx, db.tableInput())
	if err != nil {
		return "", classify("describe table", "", err)
	}
	if out.Table == nil {
		return "", history.Errorf("describe table", history.ErrTableNotFound, "empty description for %s", db.cfg.Table)
	}
	return out.Table.TableStatus, nil
}

// DescribeIdentity returns the TableIdentity of the live table without
// provisioning it. A missing table is ErrTableNotFound.
func (db *DB) DescribeIdentity(ctx context.Context) (string, error) {
	ctx, cancel := db.opContext(ctx)
	defer cancel()

	out, err := db.api.DescribeTable(ctx, db.tableInput())
	if err != nil {
		return "", classify("describe table", "", err)
	}
	return TableIdentity(out.Table), nil
}

// EnsureTable makes sure the sessions table exists with the expected key
// schema and is ACTIVE, and returns its identity (see TableIdentity).
//
// It is idempotent and safe to run concurrently from several processes:
// a table created by someone else in the meantime counts as success.
// Transient failures are retried with exponential backoff up to
// ProvisionRetries attempts within ProvisionTimeout; what remains is
// returned as a history.ErrProvision error.
func (db *DB) EnsureTable(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, db.cfg.ProvisionTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = db.cfg.RetryInitialInterval
	b.MaxInterval = db.cfg.RetryMaxInterval

	operation := func() (string, error) {
		id, err := db.ensureTableOnce(ctx)
		if err == nil || history.IsRetryable(err) {
			return id, err
		}
		return "", backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		db.logger.Printf("WARNING: provisioning %s failed, retrying in %v: %v", db.cfg.Table, next, err)
	}

	id, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(db.cfg.ProvisionRetries),
		backoff.WithNotify(notify),
	)
	if err == nil {
		return id, nil
	}
	if errors.Is(err, history.ErrProvision) {
		return "", err
	}
	return "", &history.Error{Op: "provision", Kind: history.ErrProvision, Err: err}
}

// TableIdentity distinguishes one incarnation of a table from another with
// the same name: a dropped and re-created table gets a new identity. It is
// the TableId when the service reports one, else the creation time. Empty
// means the description carries neither.
func TableIdentity(t *types.TableDescription) string {
	if t == nil {
		return ""
	}
	if id := aws.ToString(t.TableId); id != "" {
		return id
	}
	if t.CreationDateTime != nil {
		return "created:" + t.CreationDateTime.UTC().Format(time.RFC3339Nano)
	}
	return ""
}

// ensureTableOnce runs a single describe/create/wait cycle.
func (db *DB) ensureTableOnce(ctx context.Context) (string, error) {
	out, err := db.api.DescribeTable(ctx, db.tableInput())
	if err == nil && out.Table != nil {
		if err := checkKeySchema(out.Table); err != nil {
			return "", err
		}
		if out.Table.TableStatus == types.TableStatusActive {
			return TableIdentity(out.Table), nil
		}
		return db.waitActive(ctx)
	}
	if err != nil {
		if err := classify("describe table", "", err); !errors.Is(err, history.ErrTableNotFound) {
			return "", err
		}
	}

	db.logger.Printf("Creating table %s (%s)", db.cfg.Table, db.cfg.BillingMode)
	if _, err := db.api.CreateTable(ctx, db.createTableInput()); err != nil {
		var inUse *types.ResourceInUseException
		if !errors.As(err, &inUse) {
			return "", classify("create table", "", err)
		}
		db.logger.Printf("Table %s is already being created elsewhere", db.cfg.Table)
	}

	return db.waitActive(ctx)
}

// waitActive blocks until the table is ACTIVE or ctx ends.
func (db *DB) waitActive(ctx context.Context) (string, error) {
	maxWait := db.cfg.ProvisionTimeout
	if deadline, ok := ctx.Deadline(); ok {
		maxWait = time.Until(deadline)
	}
	if maxWait <= 0 {
		return "", classify("wait for table", "", context.DeadlineExceeded)
	}

	waiter := dynamodb.NewTableExistsWaiter(db.api)
	out, err := waiter.WaitForOutput(ctx, db.tableInput(), maxWait)
	if err != nil {
		return "", classify("wait for table", "", err)
	}
	db.logger.Printf("Table %s is active", db.cfg.Table)
	return TableIdentity(out.Table), nil
}

// checkKeySchema rejects a table keyed on anything but conversationId (S).
func checkKeySchema(t *types.TableDescription) error {
	if len(t.KeySchema) != 1 ||
		aws.ToString(t.KeySchema[0].AttributeName) != KeyAttribute ||
		t.KeySchema[0].KeyType != types.KeyTypeHash {
		return history.Errorf("provision", history.ErrProvision,
			"table %s has key schema %s, want %s (HASH)", aws.ToString(t.TableName), describeKeys(t.KeySchema), KeyAttribute)
	}
	for _, def := range t.AttributeDefinitions {
		if aws.ToString(def.AttributeName) == KeyAttribute && def.AttributeType != types.ScalarAttributeTypeS {
			return history.Errorf("provision", history.ErrProvision,
				"table %s declares %s as %s, want S", aws.ToString(t.TableName), KeyAttribute, def.AttributeType)
		}
	}
	return nil
}

func describeKeys(keys []types.KeySchemaElement) string {
	if len(keys) == 0 {
		return "[]"
	}
	s := "["
	for i, k := range keys {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%s(%s)", aws.ToString(k.AttributeName), k.KeyType)
	}
	return s + "]"
}
