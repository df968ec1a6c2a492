package search

import (
	"context"
	"errors"
	"testing"
)

type fakeIndex struct {
	healthy bool
	results []Result
	total   int
	err     error

	indexed []BoardRecord
	deleted []string
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) Search(q Query) ([]Result, int, error) {
	return f.results, f.total, f.err
}

func (f *fakeIndex) IndexBoard(b BoardRecord) error {
	f.indexed = append(f.indexed, b)
	return nil
}

func (f *fakeIndex) IndexBoards(boards []BoardRecord) error {
	f.indexed = append(f.indexed, boards...)
	return nil
}

func (f *fakeIndex) DeleteBoard(id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeFallback struct {
	results []Result
	total   int
	err     error
	records []BoardRecord
	calls   int
}

func (f *fakeFallback) Healthy() bool { return true }

func (f *fakeFallback) Search(q Query) ([]Result, int, error) {
	f.calls++
	return f.results, f.total, f.err
}

func (f *fakeFallback) LoadAllRecords(ctx context.Context) ([]BoardRecord, error) {
	return f.records, nil
}

func TestSearchPrefersHealthyMeilisearch(t *testing.T) {
	meili := &fakeIndex{healthy: true, results: []Result{{ID: "b1", Title: "Roadmap"}}, total: 1}
	fallback := &fakeFallback{}
	svc := &Service{meili: meili, pgfts: fallback}

	resp := svc.Search(Query{Text: "roadmap", UserID: "u1"})
	if resp.Total != 1 || len(resp.Results) != 1 || resp.Results[0].ID != "b1" {
		t.Fatalf("response = %+v", resp)
	}
	if fallback.calls != 0 {
		t.Fatal("fallback consulted despite healthy primary")
	}
}

func TestSearchFallsBackWhenUnhealthy(t *testing.T) {
	meili := &fakeIndex{healthy: false}
	fallback := &fakeFallback{results: []Result{{ID: "b2"}}, total: 1}
	svc := &Service{meili: meili, pgfts: fallback}

	resp := svc.Search(Query{Text: "x", UserID: "u1"})
	if len(resp.Results) != 1 || resp.Results[0].ID != "b2" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestSearchFallsBackOnPrimaryError(t *testing.T) {
	meili := &fakeIndex{healthy: true, err: errors.New("boom")}
	fallback := &fakeFallback{results: []Result{{ID: "b3"}}, total: 1}
	svc := &Service{meili: meili, pgfts: fallback}

	resp := svc.Search(Query{Text: "x", UserID: "u1"})
	if fallback.calls != 1 {
		t.Fatal("fallback not consulted after primary error")
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "b3" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestSearchNeverReturnsNilResults(t *testing.T) {
	fallback := &fakeFallback{err: errors.New("down")}
	svc := &Service{pgfts: fallback}

	resp := svc.Search(Query{Text: "x", UserID: "u1"})
	if resp.Results == nil {
		t.Fatal("results is nil")
	}
	if len(resp.Results) != 0 || resp.Total != 0 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestIndexBoardSkipsUnhealthyPrimary(t *testing.T) {
	meili := &fakeIndex{healthy: false}
	svc := &Service{meili: meili, pgfts: &fakeFallback{}}

	svc.IndexBoard(BoardRecord{ID: "b1"})
	if len(meili.indexed) != 0 {
		t.Fatal("indexed against unhealthy primary")
	}
}

func TestParseTextArray(t *testing.T) {
	cases := []struct {
		lit  string
		want int
	}{
		{"{}", 0},
		{"{u1}", 1},
		{`{u1,u2,"u3"}`, 3},
	}
	for _, tc := range cases {
		got := parseTextArray(tc.lit)
		if len(got) != tc.want {
			t.Errorf("parseTextArray(%q) = %v, want %d items", tc.lit, got, tc.want)
		}
	}
}
