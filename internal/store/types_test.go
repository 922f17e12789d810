package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"rafeq/internal/domain"
)

func TestSendFilterMatch(t *testing.T) {
	send := func(ref, refType, group, phone string) domain.ScheduledTemplateSend {
		return domain.ScheduledTemplateSend{TenantID: "t1", TemplateID: "tpl", CustomerPhone: phone, ReferenceID: ref, ReferenceType: refType, SequenceGroupKey: group}
	}
	tests := []struct {
		name string
		f    SendFilter
		s    domain.ScheduledTemplateSend
		want bool
	}{
		{"reference", SendFilter{TenantID: "t1", ReferenceID: "R-1"}, send("R-1", "order", "", "+1"), true},
		{"other tenant", SendFilter{TenantID: "t2", ReferenceID: "R-1"}, send("R-1", "order", "", "+1"), false},
		{"group narrows reference", SendFilter{TenantID: "t1", ReferenceID: "R-1", SequenceGroupKey: "review:+1"}, send("R-1", "order", "upsell:+1", "+1"), false},
		{"group and reference", SendFilter{TenantID: "t1", ReferenceID: "R-1", SequenceGroupKey: "review:+1"}, send("R-1", "order", "review:+1", "+1"), true},
		{"group on another reference", SendFilter{TenantID: "t1", ReferenceID: "R-1", SequenceGroupKey: "review:+1"}, send("R-2", "order", "review:+1", "+1"), false},
		{"group alone", SendFilter{TenantID: "t1", SequenceGroupKey: "cart:+1"}, send("", "", "cart:+1", "+1"), true},
		{"phone without reference", SendFilter{TenantID: "t1", Phone: "+1"}, send("R-9", "order", "", "+1"), true},
		{"phone skips same-type reference", SendFilter{TenantID: "t1", ReferenceID: "A", ReferenceType: "order", Phone: "+1"}, send("B", "order", "", "+1"), false},
		{"phone reaches other type", SendFilter{TenantID: "t1", ReferenceID: "A", ReferenceType: "order", Phone: "+1"}, send("555", "cart", "", "+1"), true},
		{"phone reaches unreferenced", SendFilter{TenantID: "t1", ReferenceID: "A", ReferenceType: "order", Phone: "+1"}, send("", "", "cart:+1", "+1"), true},
		{"template restriction", SendFilter{TenantID: "t1", ReferenceID: "R-1", TemplateIDs: []string{"other"}}, send("R-1", "order", "", "+1"), false},
		{"empty", SendFilter{TenantID: "t1"}, send("R-1", "order", "", "+1"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.f.Match(tt.s))
		})
	}
}
