// Package dynamodb stores events, snapshots, checkpoints and the export
// outbox in a single DynamoDB table.
//
// Item layout:
//
//	STREAM#<graph>      SEQ#<sequence %020d>   event + outbox status
//	STREAM#<graph>      HEAD                   version, hash, timestamp
//	SNAPSHOT#<graph>    V#<version %020d>      snapshot JSON
//	CHECKPOINT#<name>   <graph>                projection checkpoint
//	LOCK#<resource>     LOCK                   lease
package dynamodb

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "graphcore/pkg/errors"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Client is the subset of the DynamoDB API used here. *dynamodb.Client
// satisfies it.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

var _ Client = (*dynamodb.Client)(nil)

const (
	headSK         = "HEAD"
	streamPrefix   = "STREAM#"
	seqPrefix      = "SEQ#"
	snapshotPKPre  = "SNAPSHOT#"
	snapshotSKPre  = "V#"
	checkpointPre  = "CHECKPOINT#"
	maxTransactOps = 100
)

func streamPK(graph string) string { return streamPrefix + graph }

func seqSK(seq uint64) string { return fmt.Sprintf("%s%020d", seqPrefix, seq) }

func snapshotPK(graph string) string { return snapshotPKPre + graph }

func snapshotSK(version uint64) string { return fmt.Sprintf("%s%020d", snapshotSKPre, version) }

func checkpointPK(projection string) string { return checkpointPre + projection }

// isConditionFailure reports whether err is a failed condition, either on a
// single write or inside a cancelled transaction.
func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, reason := range tce.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

// classify maps SDK failures onto retryable infrastructure errors
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return pkgerrors.StorageTimeout(op, err)
	}
	return pkgerrors.StorageUnavailable(op, err)
}
