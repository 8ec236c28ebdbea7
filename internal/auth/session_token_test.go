package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tgErrors "github.com/tokengate/host/internal/errors"
)

func newTestSigner(t *testing.T, clock *testClock) *SessionSigner {
	t.Helper()
	s, err := NewSessionSigner(SignerConfig{
		AccessKey:  []byte("access-key-for-tests-0123456789abcdef"),
		RefreshKey: []byte("refresh-key-for-tests-0123456789abcdef"),
		Issuer:     testIssuer,
		Audience:   testAudience,
		TimeNow:    clock.Now,
	})
	require.NoError(t, err)
	return s
}

func TestNewSessionSigner_RejectsBadKeys(t *testing.T) {
	tests := []struct {
		name   string
		config SignerConfig
	}{
		{"missing access key", SignerConfig{RefreshKey: []byte("r"), Issuer: "i", Audience: "a"}},
		{"missing refresh key", SignerConfig{AccessKey: []byte("a"), Issuer: "i", Audience: "a"}},
		{"same keys", SignerConfig{AccessKey: []byte("k"), RefreshKey: []byte("k"), Issuer: "i", Audience: "a"}},
		{"missing issuer", SignerConfig{AccessKey: []byte("a"), RefreshKey: []byte("r"), Audience: "a"}},
		{"missing audience", SignerConfig{AccessKey: []byte("a"), RefreshKey: []byte("r"), Issuer: "i"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSessionSigner(tt.config)
			assert.Error(t, err)
		})
	}
}

func TestSessionSigner_RoundTrip(t *testing.T) {
	clock := newTestClock()
	s := newTestSigner(t, clock)

	issued, err := s.Issue(s.AccessKey(), KindDevice, 15*time.Minute, Claims{
		RegisteredClaims: subject("identity-1"),
		AppIdentityID:    "identity-1",
		AppName:          "Field Notes",
		AppVersion:       "2.4.1",
	})
	require.NoError(t, err)
	assert.Equal(t, testEpoch.Add(15*time.Minute), issued.ExpiresAt)
	assert.NotEmpty(t, issued.Claims.ID)

	claims, err := s.Verify(issued.Token, s.AccessKey(), KindDevice)
	require.NoError(t, err)
	assert.Equal(t, KindDevice, claims.Kind)
	assert.Equal(t, "identity-1", claims.Subject)
	assert.Equal(t, "Field Notes", claims.AppName)
	assert.Equal(t, testIssuer, claims.Issuer)
}

func TestSessionSigner_UniqueIDs(t *testing.T) {
	s := newTestSigner(t, newTestClock())

	a, err := s.Issue(s.AccessKey(), KindAdmin, time.Hour, Claims{RegisteredClaims: subject("admin")})
	require.NoError(t, err)
	b, err := s.Issue(s.AccessKey(), KindAdmin, time.Hour, Claims{RegisteredClaims: subject("admin")})
	require.NoError(t, err)

	assert.NotEqual(t, a.Claims.ID, b.Claims.ID)
	assert.NotEqual(t, a.Token, b.Token)
}

func TestSessionSigner_IssueRequiresSubject(t *testing.T) {
	s := newTestSigner(t, newTestClock())
	_, err := s.Issue(s.AccessKey(), KindAdmin, time.Hour, Claims{})
	requireCode(t, err, tgErrors.CodeInternal)
}

func TestSessionSigner_Expiry(t *testing.T) {
	clock := newTestClock()
	s := newTestSigner(t, clock)

	issued, err := s.Issue(s.AccessKey(), KindDevice, 15*time.Minute, Claims{RegisteredClaims: subject("identity-1")})
	require.NoError(t, err)

	clock.Advance(15*time.Minute - time.Second)
	_, err = s.Verify(issued.Token, s.AccessKey(), KindDevice)
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = s.Verify(issued.Token, s.AccessKey(), KindDevice)
	requireCode(t, err, tgErrors.CodeTokenSessionExpired)
}

func TestSessionSigner_KeyAndKindSeparation(t *testing.T) {
	s := newTestSigner(t, newTestClock())

	refresh, err := s.Issue(s.RefreshKey(), KindRefresh, time.Hour, Claims{RegisteredClaims: subject("identity-1")})
	require.NoError(t, err)
	admin, err := s.Issue(s.AccessKey(), KindAdmin, time.Hour, Claims{RegisteredClaims: subject("admin-1")})
	require.NoError(t, err)
	device, err := s.Issue(s.AccessKey(), KindDevice, time.Hour, Claims{RegisteredClaims: subject("identity-1")})
	require.NoError(t, err)

	t.Run("refresh token under the access key", func(t *testing.T) {
		_, err := s.Verify(refresh.Token, s.AccessKey(), KindDevice)
		requireCode(t, err, tgErrors.CodeTokenSignatureInvalid)
	})

	t.Run("refresh token where a device token is expected", func(t *testing.T) {
		_, err := s.Verify(refresh.Token, s.RefreshKey(), KindDevice)
		requireCode(t, err, tgErrors.CodeTokenKindMismatch)
	})

	t.Run("device token under the refresh key", func(t *testing.T) {
		_, err := s.Verify(device.Token, s.RefreshKey(), KindRefresh)
		requireCode(t, err, tgErrors.CodeTokenSignatureInvalid)
	})

	t.Run("admin token where a device token is expected", func(t *testing.T) {
		_, err := s.Verify(admin.Token, s.AccessKey(), KindDevice)
		requireCode(t, err, tgErrors.CodeTokenKindMismatch)
	})

	t.Run("device token where an admin token is expected", func(t *testing.T) {
		_, err := s.Verify(device.Token, s.AccessKey(), KindAdmin)
		requireCode(t, err, tgErrors.CodeTokenKindMismatch)
	})
}

func TestSessionSigner_Tampered(t *testing.T) {
	s := newTestSigner(t, newTestClock())

	issued, err := s.Issue(s.AccessKey(), KindDevice, time.Hour, Claims{RegisteredClaims: subject("identity-1")})
	require.NoError(t, err)

	// Flip a character in the middle of the signature segment.
	b := []byte(issued.Token)
	i := len(b) - 10
	if b[i] == 'A' {
		b[i] = 'B'
	} else {
		b[i] = 'A'
	}

	_, err = s.Verify(string(b), s.AccessKey(), KindDevice)
	requireCode(t, err, tgErrors.CodeTokenSignatureInvalid)
}

func TestSessionSigner_Malformed(t *testing.T) {
	s := newTestSigner(t, newTestClock())

	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		_, err := s.Verify(token, s.AccessKey(), KindDevice)
		requireCode(t, err, tgErrors.CodeTokenMalformed)
	}
}

func TestSessionSigner_ForeignIssuerAndAudience(t *testing.T) {
	clock := newTestClock()
	s := newTestSigner(t, clock)

	foreign := func(iss, aud string) string {
		claims := &Claims{
			Kind: KindDevice,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "identity-1",
				Issuer:    iss,
				Audience:  jwt.ClaimStrings{aud},
				ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
			},
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.AccessKey())
		require.NoError(t, err)
		return signed
	}

	_, err := s.Verify(foreign("someone-else", testAudience), s.AccessKey(), KindDevice)
	requireCode(t, err, tgErrors.CodeTokenMalformed)

	_, err = s.Verify(foreign(testIssuer, "other-clients"), s.AccessKey(), KindDevice)
	requireCode(t, err, tgErrors.CodeTokenMalformed)
}

func TestSessionSigner_RejectsOtherAlgorithms(t *testing.T) {
	clock := newTestClock()
	s := newTestSigner(t, clock)

	claims := &Claims{
		Kind: KindDevice,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "identity-1",
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(s.AccessKey())
	require.NoError(t, err)

	_, err = s.Verify(signed, s.AccessKey(), KindDevice)
	requireCode(t, err, tgErrors.CodeTokenSignatureInvalid)
}
