package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-checkout-lock/internal/throttle"
)

const maxHitAttempts = 5

var errThrottleContention = errors.New("throttle counter contention")

// Hit implements throttle.Counter as an optimistic read-modify-write: the put
// is conditioned on the counter being unchanged since it was read.
func (s *Store) Hit(ctx context.Context, key string, length time.Duration, now time.Time) (throttle.Window, error) {
	for attempt := 0; attempt < maxHitAttempts; attempt++ {
		out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
			TableName: &s.tables.Throttle,
			Key: map[string]types.AttributeValue{
				"throttle_key": &types.AttributeValueMemberS{Value: key},
			},
			ConsistentRead: awsBool(true),
		})
		if err != nil {
			return throttle.Window{}, fmt.Errorf("get item: %w", err)
		}

		var (
			prev   throttleItem
			exists = len(out.Item) > 0
		)
		if exists {
			if err := attributevalue.UnmarshalMap(out.Item, &prev); err != nil {
				return throttle.Window{}, fmt.Errorf("unmarshal throttle item: %w", err)
			}
		}

		var prevWindow throttle.Window
		if exists {
			prevWindow = throttle.Window{Count: prev.HitCount, Prev: prev.PrevCount, Start: fromMillis(prev.WindowStart)}
		}
		next := throttle.Advance(prevWindow, length, now)
		item, err := attributevalue.MarshalMap(throttleItem{
			ThrottleKey: key,
			HitCount:    next.Count,
			PrevCount:   next.Prev,
			WindowStart: millis(next.Start),
		})
		if err != nil {
			return throttle.Window{}, fmt.Errorf("marshal throttle item: %w", err)
		}

		input := &dyn.PutItemInput{
			TableName: &s.tables.Throttle,
			Item:      item,
		}
		if exists {
			input.ConditionExpression = awsString("hit_count = :count AND window_start = :start")
			input.ExpressionAttributeValues = map[string]types.AttributeValue{
				":count": numberAV(int64(prev.HitCount)),
				":start": numberAV(prev.WindowStart),
			}
		} else {
			input.ConditionExpression = awsString("attribute_not_exists(throttle_key)")
		}

		_, err = s.client.PutItem(ctx, input)
		if err == nil {
			next.Start = fromMillis(millis(next.Start))
			return next, nil
		}
		if !isConditionalCheckFailed(err) {
			return throttle.Window{}, fmt.Errorf("put item: %w", err)
		}
	}
	return throttle.Window{}, errThrottleContention
}
