package pack_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/felixgeelhaar/planloop/domain/pack"
	"github.com/felixgeelhaar/planloop/domain/tool"
)

func noop(name string) tool.Tool {
	return tool.NewBuilder(name).WithHandler(func(context.Context, json.RawMessage) (tool.Result, error) {
		return tool.Result{}, nil
	}).MustBuild()
}

func TestBuilder(t *testing.T) {
	t.Parallel()

	closed := false
	p := pack.NewBuilder("filesystem").
		WithDescription("files").
		AddTools(noop("readFile"), noop("writeFile")).
		OnClose(func() error { closed = true; return nil }).
		Build()

	if got := p.ToolNames(); len(got) != 2 || got[0] != "readFile" || got[1] != "writeFile" {
		t.Errorf("ToolNames() = %v", got)
	}
	if _, ok := p.GetTool("writeFile"); !ok {
		t.Error("GetTool(writeFile) not found")
	}
	if _, ok := p.GetTool("bash"); ok {
		t.Error("GetTool(bash) found in filesystem pack")
	}
	if err := p.Close(); err != nil || !closed {
		t.Errorf("Close() = %v, closed = %v", err, closed)
	}
}

func TestPack_CloseWithoutCloser(t *testing.T) {
	t.Parallel()

	p := pack.NewBuilder("shell").Build()
	if err := p.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	failing := pack.NewBuilder("browser").OnClose(func() error { return errors.New("boom") }).Build()
	if err := failing.Close(); err == nil {
		t.Error("Close() error = nil, want boom")
	}
}
