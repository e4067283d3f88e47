package compiler

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/protoengine/frontend/internal/query"
)

func TestLocalCompileRejectsEmptySource(t *testing.T) {
	c := NewLocal()
	_, err := c.Compile(context.Background(), query.RequestInfo{})
	if err == nil {
		t.Fatalf("expected error for empty source")
	}
}

func TestLocalCompileReturnsSingleUnitGroup(t *testing.T) {
	c := NewLocal()
	group, err := c.Compile(context.Background(), query.RequestInfo{TokenizedSource: "select 1", ExpectOne: true})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(group.Units) != 1 {
		t.Fatalf("units = %d, want 1", len(group.Units))
	}
	u := group.Units[0]
	if u.Cardinality != query.CardinalityAtMostOne {
		t.Fatalf("cardinality = %v, want AtMostOne for ExpectOne", u.Cardinality)
	}
	if !u.Cacheable {
		t.Fatalf("expected unit to be cacheable")
	}
	if group.IsScript() {
		t.Fatalf("single non-readback unit should not require the script path")
	}
}

func TestLocalDescribeDatabaseRestoreIdentityMaps(t *testing.T) {
	c := NewLocal()
	id := uuid.New()
	desc, err := c.DescribeDatabaseRestore(context.Background(), "app", []byte("create table t()"), []query.TypeDescriptor{{ID: id}})
	if err != nil {
		t.Fatalf("DescribeDatabaseRestore: %v", err)
	}
	if desc.TypeIDMap[id] != id {
		t.Fatalf("expected identity type-id mapping, got %v", desc.TypeIDMap)
	}
	if len(desc.SchemaUnits) != 1 || desc.SchemaUnits[0].SQL[0] != "create table t()" {
		t.Fatalf("expected one schema unit from the DDL blob, got %v", desc.SchemaUnits)
	}
}

func TestLocalDescribeDatabaseRestoreSplitsOnDollarQuotedBody(t *testing.T) {
	c := NewLocal()
	ddl := []byte(`create table t(); create function f() returns int language sql as $body$ select 1; select 2; $body$; create table u();`)
	desc, err := c.DescribeDatabaseRestore(context.Background(), "app", ddl, nil)
	if err != nil {
		t.Fatalf("DescribeDatabaseRestore: %v", err)
	}
	if len(desc.SchemaUnits) != 3 {
		t.Fatalf("units = %d, want 3 (embedded semicolons inside $body$ must not split), got %v", len(desc.SchemaUnits), desc.SchemaUnits)
	}
	if desc.SchemaUnits[0].SQL[0] != "create table t()" {
		t.Fatalf("unit 0 = %q", desc.SchemaUnits[0].SQL[0])
	}
	if desc.SchemaUnits[2].SQL[0] != "create table u()" {
		t.Fatalf("unit 2 = %q", desc.SchemaUnits[2].SQL[0])
	}
	mid := desc.SchemaUnits[1].SQL[0]
	if strings.Count(mid, ";") < 2 {
		t.Fatalf("unit 1 lost its embedded semicolons: %q", mid)
	}
}

func TestLocalInterpretBackendErrorNilIsZero(t *testing.T) {
	c := NewLocal()
	code, fields := c.InterpretBackendError(context.Background(), nil)
	if code != 0 || fields != nil {
		t.Fatalf("expected zero-value result for nil error, got code=%d fields=%v", code, fields)
	}
}
