package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "taskrunner/pkg/logx"
)

type fakeDDB struct {
	item map[string]types.AttributeValue
	err  error
	in   *dynamodb.GetItemInput
}

func (f *fakeDDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.GetItemOutput{Item: f.item}, nil
}

func captureEnv(t *testing.T) map[string]string {
	t.Helper()
	got := map[string]string{}
	prev := Setenv
	Setenv = func(k, v string) error { got[k] = v; return nil }
	t.Cleanup(func() { Setenv = prev })
	return got
}

func TestDynamoDBFetch(t *testing.T) {
	fake := &fakeDDB{item: map[string]types.AttributeValue{
		"PK":      &types.AttributeValueMemberS{Value: "lambda-secrets"},
		"API_KEY": &types.AttributeValueMemberS{Value: "k"},
		"PORT":    &types.AttributeValueMemberN{Value: "8080"},
		"DEBUG":   &types.AttributeValueMemberBOOL{Value: true},
		"IGNORED": &types.AttributeValueMemberL{},
	}}
	p := NewDynamoDBWithClient(fake, Config{Table: "tbl", ItemID: "item"}, false, logx.Nop())
	env := captureEnv(t)

	keys, err := Apply(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, []string{"API_KEY", "DEBUG", "PORT"}, keys)
	assert.Equal(t, "k", env["API_KEY"])
	assert.Equal(t, "8080", env["PORT"])
	assert.Equal(t, "true", env["DEBUG"])
	assert.Equal(t, "tbl", *fake.in.TableName)
	assert.Equal(t, "item", fake.in.Key["PK"].(*types.AttributeValueMemberS).Value)
}

func TestDynamoDBMissingItem(t *testing.T) {
	p := NewDynamoDBWithClient(&fakeDDB{}, Config{}, false, logx.Nop())
	vals, err := p.Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, vals)
}

func TestDynamoDBLocalMissingTable(t *testing.T) {
	nf := &types.ResourceNotFoundException{}
	local := NewDynamoDBWithClient(&fakeDDB{err: nf}, Config{}, true, logx.Nop())
	_, err := local.Fetch(context.Background())
	require.NoError(t, err)

	remote := NewDynamoDBWithClient(&fakeDDB{err: nf}, Config{}, false, logx.Nop())
	_, err = remote.Fetch(context.Background())
	require.Error(t, err)
}

func TestApplyLeavesEnvOnError(t *testing.T) {
	env := captureEnv(t)
	p := NewDynamoDBWithClient(&fakeDDB{err: errors.New("unreachable")}, Config{}, false, logx.Nop())
	_, err := Apply(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secrets dynamodb")
	assert.Empty(t, env)
}

func TestFileProvider(t *testing.T) {
	p := filepath.Join(t.TempDir(), "secrets.yaml")
	require.NoError(t, os.WriteFile(p, []byte("PK: x\nTOKEN: abc\nRETRIES: 3\n"), 0o644))
	env := captureEnv(t)
	prov, err := Open(context.Background(), Config{Driver: "file", Path: p}, logx.Nop())
	require.NoError(t, err)
	keys, err := Apply(context.Background(), prov)
	require.NoError(t, err)
	assert.Equal(t, []string{"RETRIES", "TOKEN"}, keys)
	assert.Equal(t, "abc", env["TOKEN"])
	assert.Equal(t, "3", env["RETRIES"])
}

func TestFileProviderRejectsNested(t *testing.T) {
	p := filepath.Join(t.TempDir(), "secrets.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"A":{"b":1}}`), 0o644))
	_, err := (&File{Path: p}).Fetch(context.Background())
	require.Error(t, err)
}

func TestOpenNone(t *testing.T) {
	prov, err := Open(context.Background(), Config{}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "none", prov.Name())
	keys, err := Apply(context.Background(), prov)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
