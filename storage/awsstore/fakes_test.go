package awsstore

import (
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
)

type fakeS3 struct {
	s3iface.S3API
	objects map[string]string
}

func (f *fakeS3) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "The specified key does not exist.", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

type fakeSQS struct {
	sqsiface.SQSAPI

	mu       sync.Mutex
	sent     []string
	batches  [][]*sqs.Message
	receives []*sqs.ReceiveMessageInput
	deleted  []string
	recvErr  error
	delErr   error
}

func (f *fakeSQS) SendMessageWithContext(ctx aws.Context, in *sqs.SendMessageInput, _ ...request.Option) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, aws.StringValue(in.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-" + strconv.Itoa(len(f.sent)))}, nil
}

// ReceiveMessageWithContext hands out queued batches, then blocks until ctx
// is done when it runs dry and the call asked to wait.
func (f *fakeSQS) ReceiveMessageWithContext(ctx aws.Context, in *sqs.ReceiveMessageInput, _ ...request.Option) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	f.receives = append(f.receives, in)
	if f.recvErr != nil {
		err := f.recvErr
		f.mu.Unlock()
		return nil, err
	}
	if len(f.batches) > 0 {
		batch := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return &sqs.ReceiveMessageOutput{Messages: batch}, nil
	}
	f.mu.Unlock()

	if aws.Int64Value(in.WaitTimeSeconds) > 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeSQS) DeleteMessageWithContext(ctx aws.Context, in *sqs.DeleteMessageInput, _ ...request.Option) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return nil, f.delErr
	}
	f.deleted = append(f.deleted, aws.StringValue(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fakeSNS struct {
	snsiface.SNSAPI
	published []*sns.PublishInput
	err       error
}

func (f *fakeSNS) PublishWithContext(ctx aws.Context, in *sns.PublishInput, _ ...request.Option) (*sns.PublishOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.published = append(f.published, in)
	return &sns.PublishOutput{MessageId: aws.String("sns-1")}, nil
}

type fakeDynamo struct {
	dynamodbiface.DynamoDBAPI
	items    map[string]map[string]*dynamodb.AttributeValue
	pageSize int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]*dynamodb.AttributeValue), pageSize: 2}
}

func (f *fakeDynamo) PutItemWithContext(ctx aws.Context, in *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	f.items[aws.StringValue(in.Item["id"].S)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItemWithContext(ctx aws.Context, in *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.items[aws.StringValue(in.Key["id"].S)]}, nil
}

func (f *fakeDynamo) ScanPagesWithContext(ctx aws.Context, in *dynamodb.ScanInput, fn func(*dynamodb.ScanOutput, bool) bool, _ ...request.Option) error {
	var all []map[string]*dynamodb.AttributeValue
	for _, item := range f.items {
		all = append(all, item)
	}
	for start := 0; start < len(all); start += f.pageSize {
		end := min(start+f.pageSize, len(all))
		if !fn(&dynamodb.ScanOutput{Items: all[start:end]}, end == len(all)) {
			return nil
		}
	}
	return nil
}

