package task

import (
	"context"
	"errors"
	"testing"
	"time"
)

type nopTask struct{ Base }

func (*nopTask) Execute(context.Context) error { return nil }

func TestFactoryCreate(t *testing.T) {
	t.Parallel()
	f := NewFactory()
	f.Register("Nop", func(*Definition) (Task, error) { return &nopTask{}, nil })
	f.Register("broken", func(*Definition) (Task, error) { return nil, errors.New("no config") })
	f.Register("panics", func(*Definition) (Task, error) { panic("boom") })
	f.Register("nil", func(*Definition) (Task, error) { return nil, nil })

	tests := []struct {
		name    string
		typ     string
		wantErr error
	}{
		{name: "registered type is case-insensitive", typ: " nop "},
		{name: "unknown", typ: "missing", wantErr: ErrUnknownType},
		{name: "constructor error", typ: "broken"},
		{name: "constructor panic", typ: "panics"},
		{name: "nil task", typ: "nil"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := &Definition{ID: 1, Name: "n", Type: tt.typ}
			got, err := f.Create(def)
			switch {
			case tt.typ == " nop ":
				if err != nil {
					t.Fatalf("Create: %v", err)
				}
				if got.Definition() != def {
					t.Fatal("Create should initialize the task with its definition")
				}
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
			default:
				if err == nil || got != nil {
					t.Fatalf("Create(%q) = %v, %v; want error", tt.typ, got, err)
				}
			}
		})
	}
}

func TestFactoryDisabled(t *testing.T) {
	t.Parallel()
	f := NewFactory()
	f.Register("nop", func(*Definition) (Task, error) { return &nopTask{}, nil })
	f.SetDisabled([]string{"NOP"})

	if _, err := f.Create(&Definition{Name: "n", Type: "nop"}); !errors.Is(err, ErrTypeDisabled) {
		t.Fatalf("err = %v, want ErrTypeDisabled", err)
	}
	f.SetDisabled(nil)
	if _, err := f.Create(&Definition{Name: "n", Type: "nop"}); err != nil {
		t.Fatalf("re-enabled type: %v", err)
	}
	if got := f.Types(); len(got) != 1 || got[0] != "nop" {
		t.Fatalf("Types = %v", got)
	}
}

func TestDefinitionCloneIsDeep(t *testing.T) {
	t.Parallel()
	start := time.Now()
	d := &Definition{Name: "a", Type: "nop", StartTime: &start, Properties: map[string]string{"k": "v"}}
	cp := d.Clone()
	cp.Properties["k"] = "changed"
	*cp.StartTime = start.Add(time.Hour)

	if d.Properties["k"] != "v" {
		t.Fatal("clone shares properties map")
	}
	if !d.StartTime.Equal(start) {
		t.Fatal("clone shares start time")
	}
}

func TestDefinitionValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		def  *Definition
		ok   bool
	}{
		{name: "ok", def: &Definition{Name: "a", Type: "nop"}, ok: true},
		{name: "nil", def: nil},
		{name: "no name", def: &Definition{Type: "nop"}},
		{name: "no type", def: &Definition{Name: "a"}},
		{name: "negative interval", def: &Definition{Name: "a", Type: "nop", RepeatInterval: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.ok != (err == nil) {
				t.Fatalf("Validate() = %v, ok=%v", err, tt.ok)
			}
			if err != nil && !errors.Is(err, ErrInvalidDefinition) {
				t.Fatalf("error %v should wrap ErrInvalidDefinition", err)
			}
		})
	}
}
