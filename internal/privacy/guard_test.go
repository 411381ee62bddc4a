package privacy

//go:generate mockgen -source=guard.go -destination=mocks/mocks.go -package=mocks Vault,Auditor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"carfengine/internal/audit"
	auditmemory "carfengine/internal/audit/store/memory"
	"carfengine/internal/ingest"
	"carfengine/internal/privacy/mocks"
	"carfengine/internal/vault"
	vaultmodels "carfengine/internal/vault/models"
	vaultmemory "carfengine/internal/vault/store/memory"
	id "carfengine/pkg/domain"
	dErrors "carfengine/pkg/domain-errors"
)

const (
	senderAddr    = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"
	recipientAddr = "0x53d284357ec70cE289D6D64134DfAc8E511c8a3D"
)

var (
	pseudoSender    = id.Pseudonym("p1_" + strings.Repeat("a", 64))
	pseudoRecipient = id.Pseudonym("p1_" + strings.Repeat("b", 64))
)

func sampleTx() ingest.NormalizedTransaction {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return ingest.NormalizedTransaction{
		Hash:        "0xabc",
		Chain:       "ethereum",
		Asset:       "USDC",
		Sender:      senderAddr,
		Recipient:   recipientAddr,
		Amount:      decimal.NewFromInt(12000),
		ValueGBP:    decimal.RequireFromString("12000.00"),
		AssetClass:  id.AssetClassStablecoin,
		TaxYear:     id.TaxYear(2025),
		Timestamp:   ts,
		LocalTime:   ts,
		BlockHeight: 19000000,
	}
}

// =============================================================================
// Guard Unit Tests (mocked vault and audit log)
// =============================================================================

type GuardSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	vault   *mocks.MockVault
	auditor *mocks.MockAuditor
}

func TestGuardSuite(t *testing.T) {
	suite.Run(t, new(GuardSuite))
}

func (s *GuardSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.vault = mocks.NewMockVault(s.ctrl)
	s.auditor = mocks.NewMockAuditor(s.ctrl)
}

func (s *GuardSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *GuardSuite) newGuard(opts ...Option) *Guard {
	g, err := New(s.vault, s.auditor, opts...)
	s.Require().NoError(err)
	return g
}

func (s *GuardSuite) expectPseudonyms() {
	s.vault.EXPECT().CurrentSaltVersion().Return(id.SaltVersion(1))
	s.vault.EXPECT().DerivePseudonym(gomock.Any(), senderAddr, id.SaltVersion(1)).Return(pseudoSender, nil)
	s.vault.EXPECT().DerivePseudonym(gomock.Any(), recipientAddr, id.SaltVersion(1)).Return(pseudoRecipient, nil)
}

func (s *GuardSuite) TestNew() {
	_, err := New(nil, s.auditor)
	s.Error(err)
	_, err = New(s.vault, nil)
	s.Error(err)
}

func (s *GuardSuite) TestProcess() {
	s.Run("pseudonymizes both parties and records the salt fingerprint", func() {
		s.expectPseudonyms()
		s.vault.EXPECT().SaltFingerprint(id.SaltVersion(1)).Return("0123456789abcdef", nil)
		s.auditor.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, e audit.Entry) (audit.Entry, error) {
				s.Equal(audit.KindPseudonymize, e.Kind)
				s.Equal([]string{pseudoSender.String(), pseudoRecipient.String()}, e.Subjects)
				s.Equal("0123456789abcdef", e.SaltFingerprint)
				return e, nil
			})

		out, err := s.newGuard().Process(context.Background(), sampleTx())
		s.Require().NoError(err)
		s.Equal(pseudoSender, out.Sender)
		s.Equal(pseudoRecipient, out.Recipient)
		s.Equal(id.SaltVersion(1), out.SaltVersion)
		s.True(out.ValueGBP.Equal(decimal.NewFromInt(12000)))
		s.Equal(id.AssetClassStablecoin, out.AssetClass)
		s.Nil(out.PII)
	})

	s.Run("seals the address pair when retention is enabled", func() {
		blob := &vaultmodels.EncryptedBlob{ID: uuid.New(), KeyVersion: 2}
		s.expectPseudonyms()
		s.vault.EXPECT().EncryptCurrent(gomock.Any(), gomock.Any()).Return(blob, nil)
		s.vault.EXPECT().SaltFingerprint(id.SaltVersion(1)).Return("0123456789abcdef", nil)
		gomock.InOrder(
			s.auditor.EXPECT().Record(gomock.Any(), gomock.Cond(func(e audit.Entry) bool {
				return e.Kind == audit.KindPseudonymize
			})).Return(audit.Entry{}, nil),
			s.auditor.EXPECT().Record(gomock.Any(), gomock.Cond(func(e audit.Entry) bool {
				return e.Kind == audit.KindEncrypt && e.KeyVersion == 2 && e.Subjects[0] == blob.ID.String()
			})).Return(audit.Entry{}, nil),
		)

		out, err := s.newGuard(WithPIIRetention(true)).Process(context.Background(), sampleTx())
		s.Require().NoError(err)
		s.Same(blob, out.PII)
	})

	s.Run("vault failure fails closed without auditing", func() {
		s.vault.EXPECT().CurrentSaltVersion().Return(id.SaltVersion(1))
		s.vault.EXPECT().DerivePseudonym(gomock.Any(), senderAddr, id.SaltVersion(1)).
			Return(id.Pseudonym(""), errors.New("hsm offline"))

		out, err := s.newGuard().Process(context.Background(), sampleTx())
		s.True(dErrors.HasCode(err, dErrors.CodeVaultUnavailable))
		s.True(dErrors.IsFatal(err))
		s.Equal(PseudonymizedTransaction{}, out)
	})

	s.Run("encryption failure yields no partial output", func() {
		s.expectPseudonyms()
		s.vault.EXPECT().EncryptCurrent(gomock.Any(), gomock.Any()).
			Return(nil, errors.New("nonce source exhausted"))

		out, err := s.newGuard(WithPIIRetention(true)).Process(context.Background(), sampleTx())
		s.True(dErrors.HasCode(err, dErrors.CodeVaultUnavailable))
		s.Equal(PseudonymizedTransaction{}, out)
	})

	s.Run("missing key version is not reported as an outage", func() {
		s.expectPseudonyms()
		s.vault.EXPECT().EncryptCurrent(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeKeyNotFound, "key version k1 was erased"))

		out, err := s.newGuard(WithPIIRetention(true)).Process(context.Background(), sampleTx())
		s.True(dErrors.HasCode(err, dErrors.CodeKeyNotFound))
		s.False(dErrors.HasCode(err, dErrors.CodeVaultUnavailable))
		s.Equal(PseudonymizedTransaction{}, out)
	})

	s.Run("cancellation is passed through", func() {
		s.vault.EXPECT().CurrentSaltVersion().Return(id.SaltVersion(1))
		s.vault.EXPECT().DerivePseudonym(gomock.Any(), senderAddr, id.SaltVersion(1)).
			Return(id.Pseudonym(""), context.Canceled)

		_, err := s.newGuard().Process(context.Background(), sampleTx())
		s.ErrorIs(err, context.Canceled)
		s.False(dErrors.IsFatal(err))
	})

	s.Run("audit failure is returned as is", func() {
		s.expectPseudonyms()
		s.vault.EXPECT().SaltFingerprint(id.SaltVersion(1)).Return("0123456789abcdef", nil)
		s.auditor.EXPECT().Record(gomock.Any(), gomock.Any()).
			Return(audit.Entry{}, dErrors.New(dErrors.CodeAuditIntegrity, "audit log halted"))

		_, err := s.newGuard().Process(context.Background(), sampleTx())
		s.True(dErrors.HasCode(err, dErrors.CodeAuditIntegrity))
	})
}

func (s *GuardSuite) TestErase() {
	s.Run("rejects the nil version", func() {
		err := s.newGuard().Erase(context.Background(), 0)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	s.Run("unknown version surfaces KeyNotFound and is not audited", func() {
		s.vault.EXPECT().Erase(gomock.Any(), id.KeyVersion(9)).
			Return(dErrors.New(dErrors.CodeKeyNotFound, "key version k9 not found"))
		err := s.newGuard().Erase(context.Background(), 9)
		s.True(dErrors.HasCode(err, dErrors.CodeKeyNotFound))
	})

	s.Run("store failure fails closed", func() {
		s.vault.EXPECT().Erase(gomock.Any(), id.KeyVersion(1)).Return(errors.New("disk gone"))
		err := s.newGuard().Erase(context.Background(), 1)
		s.True(dErrors.HasCode(err, dErrors.CodeVaultUnavailable))
	})
}

func (s *GuardSuite) TestRotate() {
	s.vault.EXPECT().RotateKey(gomock.Any()).Return(id.KeyVersion(2), nil)
	s.vault.EXPECT().RotateSalt(gomock.Any()).Return(id.SaltVersion(2), nil)
	s.vault.EXPECT().SaltFingerprint(id.SaltVersion(2)).Return("fedcba9876543210", nil)
	s.auditor.EXPECT().Record(gomock.Any(), gomock.Cond(func(e audit.Entry) bool {
		return e.Kind == audit.KindRotate && e.KeyVersion == 2 && e.SaltVersion == 2 && e.SaltFingerprint == "fedcba9876543210"
	})).Return(audit.Entry{}, nil)

	kv, sv, err := s.newGuard().Rotate(context.Background())
	s.Require().NoError(err)
	s.Equal(id.KeyVersion(2), kv)
	s.Equal(id.SaltVersion(2), sv)
}

func (s *GuardSuite) TestRotateKey() {
	s.Run("rotates the key only", func() {
		s.vault.EXPECT().RotateKey(gomock.Any()).Return(id.KeyVersion(3), nil)
		s.auditor.EXPECT().Record(gomock.Any(), gomock.Cond(func(e audit.Entry) bool {
			return e.Kind == audit.KindRotate && e.KeyVersion == 3 && e.SaltVersion == 0
		})).Return(audit.Entry{}, nil)

		kv, err := s.newGuard().RotateKey(context.Background())
		s.Require().NoError(err)
		s.Equal(id.KeyVersion(3), kv)
	})

	s.Run("vault failure is not audited", func() {
		s.vault.EXPECT().RotateKey(gomock.Any()).Return(id.KeyVersion(0), errors.New("disk full"))

		_, err := s.newGuard().RotateKey(context.Background())
		s.True(dErrors.HasCode(err, dErrors.CodeVaultUnavailable))
	})
}

// =============================================================================
// Guard with a real vault and audit log
// =============================================================================

func newRealGuard(t *testing.T) (*Guard, *audit.Log, *vault.Vault) {
	t.Helper()
	ctx := context.Background()
	v, err := vault.Open(ctx, vaultmemory.New())
	require.NoError(t, err)
	log, err := audit.Open(ctx, auditmemory.NewInMemoryStore())
	require.NoError(t, err)
	g, err := New(v, log, WithPIIRetention(true))
	require.NoError(t, err)
	return g, log, v
}

func TestGuard_RevealThenErase(t *testing.T) {
	ctx := context.Background()
	g, log, _ := newRealGuard(t)

	out, err := g.Process(ctx, sampleTx())
	require.NoError(t, err)
	require.NotNil(t, out.PII)

	pair, err := g.Reveal(ctx, out.PII)
	require.NoError(t, err)
	assert.Equal(t, senderAddr, pair.Sender)
	assert.Equal(t, recipientAddr, pair.Recipient)

	require.NoError(t, g.Erase(ctx, out.PII.KeyVersion))
	_, err = g.Reveal(ctx, out.PII)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeKeyNotFound))

	entries, err := log.Entries(ctx)
	require.NoError(t, err)
	kinds := make([]audit.Kind, 0, len(entries))
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
		for _, subj := range e.Subjects {
			assert.NotContains(t, strings.ToLower(subj), strings.ToLower(senderAddr[2:]))
			assert.NotContains(t, strings.ToLower(subj), strings.ToLower(recipientAddr[2:]))
		}
	}
	assert.Equal(t, []audit.Kind{
		audit.KindPseudonymize,
		audit.KindEncrypt,
		audit.KindDecrypt,
		audit.KindErase,
		audit.KindDecrypt,
	}, kinds)
	assert.Equal(t, audit.OutcomeRejected, entries[4].Outcome)
}

func TestGuard_SameAddressLinksUntilSaltRotation(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newRealGuard(t)

	first, err := g.Process(ctx, sampleTx())
	require.NoError(t, err)
	again, err := g.Process(ctx, sampleTx())
	require.NoError(t, err)
	assert.Equal(t, first.Sender, again.Sender)
	assert.NotEqual(t, first.Sender, first.Recipient)

	_, sv, err := g.Rotate(ctx)
	require.NoError(t, err)
	rotated, err := g.Process(ctx, sampleTx())
	require.NoError(t, err)
	assert.Equal(t, sv, rotated.SaltVersion)
	assert.NotEqual(t, first.Sender, rotated.Sender)

	// Blobs sealed before rotation remain readable.
	pair, err := g.Reveal(ctx, first.PII)
	require.NoError(t, err)
	assert.Equal(t, senderAddr, pair.Sender)
}

func TestGuard_ClosedVaultFailsClosed(t *testing.T) {
	ctx := context.Background()
	g, log, v := newRealGuard(t)
	require.NoError(t, v.Close())

	_, err := g.Process(ctx, sampleTx())
	assert.True(t, dErrors.HasCode(err, dErrors.CodeVaultUnavailable))
	assert.Equal(t, uint64(0), log.Len())
}

func TestGuard_ProcessDuringErasure(t *testing.T) {
	ctx := context.Background()
	g, _, v := newRealGuard(t)

	const rounds = 50
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range rounds {
			assert.NoError(t, g.Erase(ctx, v.CurrentKeyVersion()))
		}
	}()

	for range rounds {
		out, err := g.Process(ctx, sampleTx())
		require.NoError(t, err)
		require.NotNil(t, out.PII)
	}
	wg.Wait()
}

func TestGuard_RunRotation(t *testing.T) {
	g, log, v := newRealGuard(t)

	require.NoError(t, g.RunRotation(context.Background(), 0))
	assert.Equal(t, id.KeyVersion(1), v.CurrentKeyVersion())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.RunRotation(ctx, 5*time.Millisecond) }()
	require.Eventually(t, func() bool {
		return v.CurrentKeyVersion() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	entries, err := log.Entries(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.Equal(t, audit.KindRotate, e.Kind)
	}
}
