package recipients

import (
	"errors"
	"testing"
)

func TestTargetSpecValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		spec    TargetSpec
		wantErr bool
	}{
		{"all", TargetSpec{Audience: AudienceAll}, false},
		{"active", TargetSpec{Audience: AudienceActive}, false},
		{"recent with days", TargetSpec{Audience: AudienceRecent, RecentDays: 7}, false},
		{"recent without days", TargetSpec{Audience: AudienceRecent}, true},
		{"recent negative days", TargetSpec{Audience: AudienceRecent, RecentDays: -1}, true},
		{"ids with list", TargetSpec{Audience: AudienceIDs, ChatIDs: []int64{1}}, false},
		{"ids without list", TargetSpec{Audience: AudienceIDs}, true},
		{"unknown audience", TargetSpec{Audience: "everyone"}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if err := (TargetSpec{}).Validate(); !errors.Is(err, ErrEmptySpec) {
		t.Fatalf("empty spec err = %v, want ErrEmptySpec", err)
	}
}

func TestKindValid(t *testing.T) {
	t.Parallel()
	for _, k := range []Kind{KindUser, KindGroup, KindChannel} {
		if !k.Valid() {
			t.Fatalf("%q reported invalid", k)
		}
	}
	for _, k := range []Kind{"", "bot", "USER"} {
		if k.Valid() {
			t.Fatalf("%q reported valid", k)
		}
	}
}
