package main

import (
	"testing"

	"secura/engine"
	"secura/models"
)

func TestSettledRecordsSkipsLoadingContent(t *testing.T) {
	contents := []engine.MessageContent{
		{Record: models.MessageRecord{ID: "done"}, Content: engine.Resolution{State: engine.StateResolved, Text: "hi"}},
		{Record: models.MessageRecord{ID: "loading"}, Content: engine.Resolution{State: engine.StatePending}},
		{Record: models.MessageRecord{ID: "broken"}, Content: engine.Resolution{State: engine.StateFailed}},
		{
			Record:     models.MessageRecord{ID: "file-loading"},
			Content:    engine.Resolution{State: engine.StateResolved, Text: "[file] a.png: bafkblob"},
			Attachment: &engine.AttachmentResult{State: engine.StatePending},
		},
	}

	settled := settledRecords(contents)
	if len(settled) != 2 || settled[0].ID != "done" || settled[1].ID != "broken" {
		t.Fatalf("unexpected settled records %+v", settled)
	}
	if got := settledRecords(nil); len(got) != 0 {
		t.Fatalf("expected nothing settled, got %+v", got)
	}
}
