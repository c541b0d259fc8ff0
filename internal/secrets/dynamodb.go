package secrets

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	logx "taskrunner/pkg/logx"
)

const (
	defaultTable  = "secrets"
	defaultItemID = "lambda-secrets"
	defaultRegion = "us-east-1"
)

// GetItemAPI is the subset of the DynamoDB client used here.
type GetItemAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoDB reads one item (partition key "PK") and exports its attributes.
type DynamoDB struct {
	client GetItemAPI
	table  string
	itemID string
	local  bool
	log    logx.Logger
}

func NewDynamoDB(ctx context.Context, cfg Config, log logx.Logger) (*DynamoDB, error) {
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = defaultRegion
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	local := strings.TrimSpace(cfg.Endpoint) != ""
	if local {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if local {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	if local {
		log.Info("using local DynamoDB endpoint", logx.String("endpoint", cfg.Endpoint))
	}
	return NewDynamoDBWithClient(client, cfg, local, log), nil
}

// NewDynamoDBWithClient wires an existing client.
func NewDynamoDBWithClient(client GetItemAPI, cfg Config, local bool, log logx.Logger) *DynamoDB {
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = defaultTable
	}
	id := strings.TrimSpace(cfg.ItemID)
	if id == "" {
		id = defaultItemID
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DynamoDB{client: client, table: table, itemID: id, local: local, log: log}
}

func (d *DynamoDB) Name() string { return "dynamodb" }

func (d *DynamoDB) Fetch(ctx context.Context) (map[string]string, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key:       map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: d.itemID}},
	})
	if err != nil {
		var nf *types.ResourceNotFoundException
		if d.local && errors.As(err, &nf) {
			d.log.Warn("secrets table missing on local endpoint; using environment only", logx.String("table", d.table))
			return map[string]string{}, nil
		}
		return nil, err
	}
	if out.Item == nil {
		d.log.Warn("no secrets item found; using environment only", logx.String("table", d.table), logx.String("id", d.itemID))
		return map[string]string{}, nil
	}
	vals := make(map[string]string, len(out.Item))
	for k, av := range out.Item {
		if skipKey(k) {
			continue
		}
		if s, ok := attributeString(av); ok {
			vals[k] = s
		}
	}
	return vals, nil
}

// attributeString converts scalar attributes; others are skipped.
func attributeString(av types.AttributeValue) (string, bool) {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return v.Value, true
	case *types.AttributeValueMemberN:
		return v.Value, true
	case *types.AttributeValueMemberBOOL:
		return strconv.FormatBool(v.Value), true
	}
	return "", false
}
