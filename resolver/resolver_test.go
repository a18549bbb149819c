package resolver

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"wsrpc/rpcerr"
)

var calc = ServiceDescriptor{
	Name: "Calc",
	Methods: []MethodDescriptor{
		{Name: "add"},
		{Name: "sub"},
		{Name: "range", Streaming: true},
	},
}

var echo = ServiceDescriptor{
	Name:    "Echo",
	Methods: []MethodDescriptor{{Name: "add"}, {Name: "say"}},
}

func generated(t *testing.T, opts Options, services ...ServiceDescriptor) *Resolver {
	t.Helper()
	r := New(opts)
	if err := r.Generate(services...); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	return r
}

func TestHashMapping(t *testing.T) {
	r := generated(t, Options{Enabled: true, Strategy: StrategyHash, Length: 8}, calc)

	id, err := r.Lookup("Calc", "add")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if len(id.Method) != 8 || id.Method == "add" {
		t.Fatalf("expect 8-char obfuscated method id, got %q", id.Method)
	}
	if id.Service != "Calc" {
		t.Fatalf("service ids stay plain unless ObfuscateServices: got %q", id.Service)
	}

	svc, method, err := r.Resolve(id.Service, id.Method)
	if err != nil || svc != "Calc" || method != "add" {
		t.Fatalf("Resolve = %s.%s, %v", svc, method, err)
	}

	// Deterministic: a second resolver derives the same ids.
	other := generated(t, Options{Enabled: true, Strategy: StrategyHash, Length: 8}, calc)
	if again, _ := other.Lookup("Calc", "add"); again != id {
		t.Fatalf("hash mapping not deterministic: %v vs %v", id, again)
	}
}

func TestStrategiesProduceUniqueIDs(t *testing.T) {
	var methods []MethodDescriptor
	for i := 0; i < 200; i++ {
		methods = append(methods, MethodDescriptor{Name: fmt.Sprintf("m%d", i)})
	}
	big := ServiceDescriptor{Name: "Big", Methods: methods}

	for _, opts := range []Options{
		{Enabled: true, Strategy: StrategyRandom, Length: 2},
		{Enabled: true, Strategy: StrategyHash, Length: 1},
		{Enabled: true, Strategy: StrategySequential, Prefix: "x"},
		{Enabled: true, Strategy: StrategyHash, Length: 4, ObfuscateServices: true},
	} {
		r := generated(t, opts, big, calc, echo)
		if r.Len() != 205 {
			t.Fatalf("%s: expect 205 methods, got %d", opts.Strategy, r.Len())
		}
		if !Validate(r.Export()) {
			t.Fatalf("%s: generated mapping failed validation", opts.Strategy)
		}
		seen := make(map[string]string)
		for _, st := range r.Export().Services {
			for _, mt := range st.Methods {
				if prev, dup := seen[mt.ID]; dup {
					t.Fatalf("%s: %s.%s reuses id %s of %s", opts.Strategy, st.Name, mt.Name, mt.ID, prev)
				}
				seen[mt.ID] = st.Name + "." + mt.Name
			}
		}
	}
}

func TestSequentialMapping(t *testing.T) {
	r := generated(t, Options{Enabled: true, Strategy: StrategySequential, ObfuscateServices: true}, calc)
	id, _ := r.Lookup("Calc", "sub")
	if id.Service != "s1" || id.Method != "m2" {
		t.Fatalf("unexpected sequential ids: %+v", id)
	}
}

func TestGenerateIsAdditive(t *testing.T) {
	r := generated(t, Options{Enabled: true, Strategy: StrategyRandom}, calc)
	before, _ := r.Lookup("Calc", "add")

	if err := r.Generate(echo, calc); err != nil {
		t.Fatal(err)
	}
	after, _ := r.Lookup("Calc", "add")
	if before != after {
		t.Fatalf("existing id changed: %v -> %v", before, after)
	}
	if _, err := r.Lookup("Echo", "say"); err != nil {
		t.Fatalf("new service not mapped: %v", err)
	}
}

func TestResolveMisses(t *testing.T) {
	r := generated(t, Options{Enabled: true, ObfuscateServices: true}, calc)
	id, _ := r.Lookup("Calc", "add")

	if _, _, err := r.Resolve("nope", id.Method); !errors.Is(err, rpcerr.ErrServiceNotFound) {
		t.Fatalf("expect SERVICE_NOT_FOUND, got %v", err)
	}
	if _, _, err := r.Resolve(id.Service, "nope"); !errors.Is(err, rpcerr.ErrMethodNotFound) {
		t.Fatalf("expect METHOD_NOT_FOUND, got %v", err)
	}
	if _, err := r.Lookup("Calc", "mul"); !errors.Is(err, rpcerr.ErrMethodNotFound) {
		t.Fatalf("expect METHOD_NOT_FOUND, got %v", err)
	}
	if _, err := r.Lookup("Math", "add"); !errors.Is(err, rpcerr.ErrServiceNotFound) {
		t.Fatalf("expect SERVICE_NOT_FOUND, got %v", err)
	}
}

func TestDisabledIsPassthrough(t *testing.T) {
	r := generated(t, Options{}, calc, echo)

	id, err := r.Lookup("Anything", "goes")
	if err != nil || id.Service != "Anything" || id.Method != "goes" {
		t.Fatalf("Lookup = %+v, %v", id, err)
	}
	svc, method, err := r.Resolve("Calc", "add")
	if err != nil || svc != "Calc" || method != "add" {
		t.Fatalf("Resolve = %s.%s, %v", svc, method, err)
	}
	// Calc.add and Echo.add share a method id but not a wire pair.
	if !Validate(r.Export()) {
		t.Fatal("identity mapping must validate")
	}
}

func TestExportImportSymmetry(t *testing.T) {
	for _, strategy := range []Strategy{StrategyRandom, StrategyHash, StrategySequential} {
		opts := Options{Enabled: true, Strategy: strategy, ObfuscateServices: true}
		src := generated(t, opts, calc, echo)
		dst := New(opts)
		if err := dst.Import(src.Export()); err != nil {
			t.Fatalf("%s: Import failed: %v", strategy, err)
		}
		if !reflect.DeepEqual(src.Export(), dst.Export()) {
			t.Fatalf("%s: export differs after import", strategy)
		}
		for _, svc := range []ServiceDescriptor{calc, echo} {
			for _, m := range svc.Methods {
				a, _ := src.Lookup(svc.Name, m.Name)
				b, _ := dst.Lookup(svc.Name, m.Name)
				if a != b {
					t.Fatalf("%s: lookup %s.%s differs: %v vs %v", strategy, svc.Name, m.Name, a, b)
				}
				s, meth, err := dst.Resolve(a.Service, a.Method)
				if err != nil || s != svc.Name || meth != m.Name {
					t.Fatalf("%s: resolve %v = %s.%s, %v", strategy, a, s, meth, err)
				}
			}
		}
	}
}

func TestValidateDetectsDuplicates(t *testing.T) {
	good := Table{Services: []ServiceTable{
		{Name: "Calc", ID: "c", Methods: []MethodTable{{Name: "add", ID: "a"}, {Name: "sub", ID: "b"}}},
		{Name: "Echo", ID: "e", Methods: []MethodTable{{Name: "say", ID: "a"}}},
	}}
	if !Validate(good) {
		t.Fatal("expect valid table")
	}

	cases := map[string]Table{
		"shared wire pair": {Services: []ServiceTable{
			{Name: "Calc", ID: "c", Methods: []MethodTable{{Name: "add", ID: "a"}, {Name: "sub", ID: "a"}}},
		}},
		"shared service id": {Services: []ServiceTable{
			{Name: "Calc", ID: "c", Methods: []MethodTable{{Name: "add", ID: "a"}}},
			{Name: "Echo", ID: "c", Methods: []MethodTable{{Name: "say", ID: "b"}}},
		}},
		"empty id": {Services: []ServiceTable{
			{Name: "Calc", ID: "c", Methods: []MethodTable{{Name: "add"}}},
		}},
	}
	for name, table := range cases {
		if Validate(table) {
			t.Fatalf("%s: expect invalid", name)
		}
		r := generated(t, Options{Enabled: true}, calc)
		before := r.Export()
		if err := r.Import(table); err == nil {
			t.Fatalf("%s: Import must reject invalid table", name)
		}
		if !reflect.DeepEqual(before, r.Export()) {
			t.Fatalf("%s: rejected import changed the mapping", name)
		}
	}
}

func TestSaveLoadTable(t *testing.T) {
	r := generated(t, Options{Enabled: true, Strategy: StrategyRandom}, calc, echo)
	want := r.Export()

	for _, file := range []string{"mapping.yaml", "mapping.json"} {
		path := filepath.Join(t.TempDir(), file)
		if err := SaveTable(path, want); err != nil {
			t.Fatalf("SaveTable(%s) failed: %v", file, err)
		}
		got, err := LoadTable(path)
		if err != nil {
			t.Fatalf("LoadTable(%s) failed: %v", file, err)
		}
		if !reflect.DeepEqual(want, got) {
			t.Fatalf("%s: table changed on disk:\nwant %+v\ngot  %+v", file, want, got)
		}
	}

	if _, err := LoadTable(filepath.Join(t.TempDir(), "missing.yaml")); err == nil || !strings.Contains(err.Error(), "read mapping") {
		t.Fatalf("expect read error, got %v", err)
	}
}

func TestOptionsValidate(t *testing.T) {
	if err := (Options{Strategy: "md5"}).Validate(); err == nil {
		t.Fatal("expect unknown strategy error")
	}
	if err := (Options{Length: 65}).Validate(); err == nil {
		t.Fatal("expect length error")
	}
	if err := (Options{Strategy: StrategySequential}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
