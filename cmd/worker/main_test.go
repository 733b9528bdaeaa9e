package main

import (
	"context"
	"testing"

	"hsm-recall-core/internal/fsobj/cloudtape"
	"hsm-recall-core/internal/recall"
)

type stubSource struct{ recall.TapeSource }

func TestBuildTapeSourceForFallsBackToLocalWithNoCloudPools(t *testing.T) {
	local := stubSource{}
	tapeSourceFor, err := buildTapeSourceFor(context.Background(), nil, cloudtape.Config{}, local)
	if err != nil {
		t.Fatalf("build tape source for: %v", err)
	}
	if tapeSourceFor("TAPEPOOL1") != recall.TapeSource(local) {
		t.Fatalf("expected the local source for an unconfigured pool")
	}
}

func TestBuildTapeSourceForRoutesConfiguredPoolsToCloud(t *testing.T) {
	local := stubSource{}
	tapeSourceFor, err := buildTapeSourceFor(context.Background(), []string{"CLOUDPOOL"}, cloudtape.Config{Bucket: "b", Region: "us-east-1"}, local)
	if err != nil {
		t.Fatalf("build tape source for: %v", err)
	}
	if tapeSourceFor("CLOUDPOOL") == recall.TapeSource(local) {
		t.Fatalf("expected a configured cloud pool to resolve to the cloud source, not local")
	}
	if tapeSourceFor("OTHERPOOL") != recall.TapeSource(local) {
		t.Fatalf("expected an unconfigured pool to still resolve to local")
	}
}
