package pool

import "testing"

func TestAccountCloneIsIndependent(t *testing.T) {
	original := &Account{
		Index:               0,
		Email:               "a@example.com",
		RateLimitResetTimes: map[QuotaKey]int64{QuotaKeyGeminiAntigravity: 1000},
		CachedQuota: &QuotaSnapshot{
			UsagePercentByModel: map[string]float64{"gemini-2.5-pro": 42},
		},
		Fingerprint: &Fingerprint{DeviceID: "device-1"},
	}

	clone := original.Clone()

	clone.RateLimitResetTimes[QuotaKeyGeminiAntigravity] = 9999
	clone.CachedQuota.UsagePercentByModel["gemini-2.5-pro"] = 100
	clone.Fingerprint.DeviceID = "device-2"

	if original.RateLimitResetTimes[QuotaKeyGeminiAntigravity] != 1000 {
		t.Fatalf("mutating clone's RateLimitResetTimes leaked into original")
	}
	if original.CachedQuota.UsagePercentByModel["gemini-2.5-pro"] != 42 {
		t.Fatalf("mutating clone's CachedQuota leaked into original")
	}
	if original.Fingerprint.DeviceID != "device-1" {
		t.Fatalf("mutating clone's Fingerprint leaked into original")
	}
}

func TestAccountCloneNil(t *testing.T) {
	var a *Account
	if a.Clone() != nil {
		t.Fatalf("cloning a nil Account should return nil")
	}
}

func TestPoolStateCloneDeepCopiesAccounts(t *testing.T) {
	state := &PoolState{
		Version:             3,
		Accounts:            []*Account{{Index: 0, Email: "a@example.com"}},
		ActiveIndexByFamily: map[Family]int{FamilyGemini: 0},
	}

	clone := state.Clone()
	clone.Accounts[0].Email = "changed@example.com"
	clone.ActiveIndexByFamily[FamilyGemini] = 1

	if state.Accounts[0].Email != "a@example.com" {
		t.Fatalf("mutating clone's account leaked into original state")
	}
	if state.ActiveIndexByFamily[FamilyGemini] != 0 {
		t.Fatalf("mutating clone's ActiveIndexByFamily leaked into original state")
	}
}

func TestQuotaKeyFor(t *testing.T) {
	cases := []struct {
		family Family
		style  HeaderStyle
		want   QuotaKey
	}{
		{FamilyGemini, HeaderStyleAntigravity, QuotaKeyGeminiAntigravity},
		{FamilyGemini, HeaderStyleCLI, QuotaKeyGeminiCLI},
		{FamilyClaude, HeaderStyleAntigravity, QuotaKeyClaude},
		{FamilyClaude, HeaderStyleCLI, QuotaKeyClaude},
	}
	for _, c := range cases {
		if got := QuotaKeyFor(c.family, c.style); got != c.want {
			t.Errorf("QuotaKeyFor(%s, %s) = %s, want %s", c.family, c.style, got, c.want)
		}
	}
}
