package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/beffjarker/jouster/internal/history"
	"github.com/beffjarker/jouster/internal/history/schema"
)

// sessionItem is the stored form of a session.
type sessionItem struct {
	ConversationID string        `dynamodbav:"conversationId"`
	Title          string        `dynamodbav:"title"`
	Project        string        `dynamodbav:"project"`
	StartTime      string        `dynamodbav:"startTime"`
	EndTime        string        `dynamodbav:"endTime,omitempty"`
	Messages       []messageItem `dynamodbav:"messages"`
	MessageCount   int           `dynamodbav:"messageCount"`
	SyncedAt       string        `dynamodbav:"syncedAt"`
}

type messageItem struct {
	Role      string `dynamodbav:"role"`
	Content   string `dynamodbav:"content"`
	Timestamp string `dynamodbav:"timestamp"`
}

// summaryItem is the projection read by ListSummaries.
type summaryItem struct {
	ConversationID string `dynamodbav:"conversationId"`
	Title          string `dynamodbav:"title"`
	Project        string `dynamodbav:"project"`
	StartTime      string `dynamodbav:"startTime"`
	EndTime        string `dynamodbav:"endTime"`
	MessageCount   int    `dynamodbav:"messageCount"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func toItem(s *schema.Session, syncedAt time.Time) sessionItem {
	it := sessionItem{
		ConversationID: s.ConversationID,
		Title:          s.Title,
		Project:        s.Project,
		StartTime:      formatTime(s.StartTime),
		Messages:       make([]messageItem, 0, len(s.Messages)),
		MessageCount:   len(s.Messages),
		SyncedAt:       formatTime(syncedAt),
	}
	if s.EndTime != nil {
		it.EndTime = formatTime(*s.EndTime)
	}
	for _, m := range s.Messages {
		it.Messages = append(it.Messages, messageItem{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: formatTime(m.Timestamp),
		})
	}
	return it
}

func fromItem(it sessionItem) (*schema.Session, error) {
	start, err := parseTime(it.StartTime)
	if err != nil {
		return nil, fmt.Errorf("invalid startTime %q: %w", it.StartTime, err)
	}
	s := &schema.Session{
		ConversationID: it.ConversationID,
		Title:          it.Title,
		Project:        it.Project,
		StartTime:      start,
		Messages:       make([]schema.Message, 0, len(it.Messages)),
	}
	if it.EndTime != "" {
		end, err := parseTime(it.EndTime)
		if err != nil {
			return nil, fmt.Errorf("invalid endTime %q: %w", it.EndTime, err)
		}
		s.EndTime = &end
	}
	for i, m := range it.Messages {
		ts, err := parseTime(m.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp on message %d: %w", i, err)
		}
		s.Messages = append(s.Messages, schema.Message{Role: m.Role, Content: m.Content, Timestamp: ts})
	}
	s.SetDefaults()
	return s, nil
}

func keyFor(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		KeyAttribute: &types.AttributeValueMemberS{Value: id},
	}
}

// PutSession stores s as a full snapshot, replacing any previous item with
// the same conversationId. The write is unconditional: concurrent writers
// of the same id race and the last one wins.
//
// The caller is expected to have validated s.
func (db *DB) PutSession(ctx context.Context, s *schema.Session) error {
	id := strings.TrimSpace(s.ConversationID)
	if id == "" {
		return history.Errorf("put", history.ErrValidation, "conversationId is required")
	}

	av, err := attributevalue.MarshalMap(toItem(s, time.Now()))
	if err != nil {
		return &history.Error{Op: "put", ConversationID: id, Kind: history.ErrRejected,
			Err: fmt.Errorf("failed to marshal session: %w", err)}
	}

	ctx, cancel := db.opContext(ctx)
	defer cancel()

	_, err = db.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(db.cfg.Table),
		Item:      av,
	})
	return classify("put", id, err)
}

// GetSession reads a session with a strongly consistent read.
// A missing item returns found == false and a nil error.
func (db *DB) GetSession(ctx context.Context, id string) (*schema.Session, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}

	ctx, cancel := db.opContext(ctx)
	defer cancel()

	out, err := db.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(db.cfg.Table),
		Key:            keyFor(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, classify("get", id, err)
	}
	if len(out.Item) == 0 {
		return nil, false, nil
	}

	var it sessionItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, false, &history.Error{Op: "get", ConversationID: id, Kind: history.ErrRejected,
			Err: fmt.Errorf("failed to unmarshal item: %w", err)}
	}
	s, err := fromItem(it)
	if err != nil {
		return nil, false, &history.Error{Op: "get", ConversationID: id, Kind: history.ErrRejected, Err: err}
	}
	return s, true, nil
}

// ListSummaries scans the table for the listing fields of every session.
// The result is unordered; callers sort as needed.
func (db *DB) ListSummaries(ctx context.Context) ([]schema.Summary, error) {
	in := &dynamodb.ScanInput{
		TableName:            aws.String(db.cfg.Table),
		ProjectionExpression: aws.String("#id, #title, #project, #start, #end, #count"),
		ExpressionAttributeNames: map[string]string{
			"#id":      KeyAttribute,
			"#title":   "title",
			"#project": "project",
			"#start":   "startTime",
			"#end":     "endTime",
			"#count":   "messageCount",
		},
	}
	if db.cfg.ScanPageSize > 0 {
		in.Limit = aws.Int32(db.cfg.ScanPageSize)
	}

	var summaries []schema.Summary
	paginator := dynamodb.NewScanPaginator(db.api, in)
	for paginator.HasMorePages() {
		pageCtx, cancel := db.opContext(ctx)
		page, err := paginator.NextPage(pageCtx)
		cancel()
		if err != nil {
			return nil, classify("scan", "", err)
		}

		var items []summaryItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, &history.Error{Op: "scan", Kind: history.ErrRejected,
				Err: fmt.Errorf("failed to unmarshal items: %w", err)}
		}
		for _, it := range items {
			sum := schema.Summary{
				ConversationID: it.ConversationID,
				Title:          it.Title,
				Project:        it.Project,
				MessageCount:   it.MessageCount,
			}
			if t, err := parseTime(it.StartTime); err == nil {
				sum.StartTime = t
			}
			if it.EndTime != "" {
				if t, err := parseTime(it.EndTime); err == nil {
					sum.EndTime = &t
				}
			}
			if sum.Project == "" {
				sum.Project = schema.DefaultProject
			}
			summaries = append(summaries, sum)
		}
	}
	return summaries, nil
}
