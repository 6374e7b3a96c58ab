package ghapi

import (
	"context"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/wisbric/runnerd/pkg/fleet"
)

type fakeSSM struct {
	params map[string]string
	puts   int
}

func (f *fakeSSM) PutParameter(_ context.Context, input *ssm.PutParameterInput, _ ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	if f.params == nil {
		f.params = map[string]string{}
	}
	f.puts++
	f.params[aws.ToString(input.Name)] = aws.ToString(input.Value)
	return &ssm.PutParameterOutput{}, nil
}

func (f *fakeSSM) GetParameter(_ context.Context, input *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	v, ok := f.params[aws.ToString(input.Name)]
	if !ok {
		return nil, &ssmtypes.ParameterNotFound{}
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: aws.String(v)}}, nil
}

type fakeLookup struct {
	id    int64
	calls int
}

func (f *fakeLookup) LookupRunnerGroupID(_ context.Context, _ string) (int64, error) {
	f.calls++
	return f.id, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestGroupCacheMissFetchesUpstreamAndCaches(t *testing.T) {
	api := &fakeSSM{}
	store := fleet.NewSecretStore(api, "/tokens", testLogger())
	cache := NewGroupCache(store, nil, "/runnerd/config", testLogger())
	lookup := &fakeLookup{id: 7}

	id, err := cache.GetRunnerGroupID(context.Background(), lookup, "default")
	if err != nil {
		t.Fatalf("GetRunnerGroupID() error = %v", err)
	}
	if id != 7 || lookup.calls != 1 {
		t.Errorf("id = %d, upstream calls = %d", id, lookup.calls)
	}
	if api.params["/runnerd/config/runner-group/default"] != "7" {
		t.Errorf("SSM cache = %v", api.params)
	}

	// Second resolution hits the durable cache, not upstream.
	id, err = cache.GetRunnerGroupID(context.Background(), lookup, "default")
	if err != nil {
		t.Fatalf("GetRunnerGroupID() error = %v", err)
	}
	if id != 7 || lookup.calls != 1 {
		t.Errorf("cached id = %d, upstream calls = %d, want no extra call", id, lookup.calls)
	}
}
