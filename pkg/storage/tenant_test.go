package storage

import (
	"context"
	"testing"
)

func TestTenantRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := GetTenant(ctx); got != "" {
		t.Errorf("GetTenant(empty) = %q", got)
	}

	ctx = SetTenant(ctx, "team-a")
	if got := GetTenant(ctx); got != "team-a" {
		t.Errorf("GetTenant = %q, want team-a", got)
	}
	ctx = SetTenant(ctx, "team-b")
	if got := GetTenant(ctx); got != "team-b" {
		t.Errorf("GetTenant after override = %q, want team-b", got)
	}
}

func TestGetTenant_StringKeyIgnored(t *testing.T) {
	ctx := context.WithValue(context.Background(), "tenant", "wrong")
	if got := GetTenant(ctx); got != "" {
		t.Errorf("GetTenant = %q, want empty", got)
	}
}

func TestVisible(t *testing.T) {
	tests := []struct {
		name   string
		tenant string
		owner  string
		want   bool
	}{
		{"single tenant sees all", "", "team-a", true},
		{"single tenant sees unowned", "", "", true},
		{"own run", "team-a", "team-a", true},
		{"other tenant", "team-a", "team-b", false},
		{"unowned hidden from tenant", "team-a", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.tenant != "" {
				ctx = SetTenant(ctx, tt.tenant)
			}
			if got := Visible(ctx, tt.owner); got != tt.want {
				t.Errorf("Visible() = %v, want %v", got, tt.want)
			}
		})
	}
}
