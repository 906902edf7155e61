package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vitaliisemenov/alert-history/internal/ids"
)

func TestIPRisk_SameSubnetIsFree(t *testing.T) {
	assert.Equal(t, 0, ipRisk("203.0.113.10", "203.0.113.200", false))
}

func TestIPRisk_DifferentSubnet(t *testing.T) {
	assert.Equal(t, 30, ipRisk("203.0.113.10", "198.51.100.10", false))
}

func TestIPRisk_StrictModeAnyMismatch(t *testing.T) {
	assert.Equal(t, 50, ipRisk("203.0.113.10", "203.0.113.11", true))
	assert.Equal(t, 0, ipRisk("203.0.113.10", "203.0.113.10", true))
}

func TestIPRisk_IPv6SamePrefix(t *testing.T) {
	assert.Equal(t, 0, ipRisk("2001:db8::1", "2001:db8::dead:beef", false))
}

func TestIPRisk_IPv6DifferentPrefix(t *testing.T) {
	assert.Equal(t, 30, ipRisk("2001:db8:0:1::1", "2001:db8:0:2::1", false))
}

func TestUARisk_IdenticalIsFree(t *testing.T) {
	ua := "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0"
	assert.Equal(t, 0, uaRisk(ua, ua))
}

func TestUARisk_MinorChangeIsLowRisk(t *testing.T) {
	a := "Mozilla/5.0 Windows Chrome/120.0 Safari/537.36"
	b := "Mozilla/5.0 Windows Chrome/121.0 Safari/537.36"
	sim := jaccardSimilarity(a, b)
	assert.Less(t, sim, 1.0)
	risk := uaRisk(a, b)
	assert.Contains(t, []int{0, 10, 30}, risk)
}

func TestUARisk_CompletelyDifferent(t *testing.T) {
	a := "Mozilla/5.0 Windows Chrome/120.0"
	b := "curl/8.1.0"
	assert.Equal(t, 30, uaRisk(a, b))
}

func TestRiskScore_DeviceMismatchAdds40(t *testing.T) {
	storedDevice := ids.New()
	stored := Session{DeviceID: &storedDevice}
	presentedDev := ids.New().String()
	score := riskScore(stored, BindingContext{DeviceID: &presentedDev}, false)
	assert.Equal(t, 40, score)
}

func TestRiskScore_SameDeviceNoRisk(t *testing.T) {
	storedDevice := ids.New()
	stored := Session{DeviceID: &storedDevice}
	presentedDev := storedDevice.String()
	score := riskScore(stored, BindingContext{DeviceID: &presentedDev}, false)
	assert.Equal(t, 0, score)
}
