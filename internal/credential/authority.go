// Package credential issues and verifies the short-lived bearer credential
// a guest holds for the duration of one exam attempt. Verification never
// trusts the token alone: the linked invitation and session are re-resolved
// on every call, and any storage failure fails closed.
package credential

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-jwt/jwt/v5"
	"github.com/skillgate/skillgate/internal/clock"
	invitationdomain "github.com/skillgate/skillgate/internal/invitation/domain"
	sessiondomain "github.com/skillgate/skillgate/internal/session/domain"
	"go.uber.org/zap"
)

var (
	ErrInvalidCredential = errors.New("invalid_credential")
	ErrExpiredCredential = errors.New("expired_credential")
	ErrAlreadySubmitted  = errors.New("already_submitted")
)

const subjectKindGuest = "guest"

type claims struct {
	SubjectKind  string `json:"sub_kind"`
	InvitationID int64  `json:"inv"`
	ExamID       int64  `json:"exam"`
	Identity     string `json:"identity,omitempty"`
	ExpiresAt    int64  `json:"exp_at"`
	jwt.RegisteredClaims
}

// Grant is the verified access a credential conveys, with the freshly
// resolved invitation and session attached.
type Grant struct {
	InvitationID snowflake.ID
	ExamID       snowflake.ID
	SessionID    snowflake.ID
	Identity     string
	Invitation   *invitationdomain.Invitation
	Session      *sessiondomain.Session
}

type Authority struct {
	secret      []byte
	grace       time.Duration
	clock       clock.Clock
	sessions    sessiondomain.Service
	invitations invitationdomain.Service
	log         *zap.Logger
}

func NewAuthority(secret string, grace time.Duration, clk clock.Clock, sessions sessiondomain.Service, invitations invitationdomain.Service, log *zap.Logger) *Authority {
	log = log.Named("credential.authority")
	if secret == "" {
		secret = "skillgate-dev-secret"
		log.Warn("CREDENTIAL_SECRET not set, using development default")
	}
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	return &Authority{
		secret:      []byte(secret),
		grace:       grace,
		clock:       clk,
		sessions:    sessions,
		invitations: invitations,
		log:         log,
	}
}

// Issue signs a credential scoped to one invitation and its running
// session. The credential outlives the session end by the grace window so
// a submit in flight at the deadline is not cut off by clock skew.
func (a *Authority) Issue(invitationID, examID snowflake.ID, identity string, sessionEndsAt time.Time) (string, error) {
	now := a.clock.Now()
	expiresAt := sessionEndsAt.Add(a.grace)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		SubjectKind:  subjectKindGuest,
		InvitationID: int64(invitationID),
		ExamID:       int64(examID),
		Identity:     identity,
		ExpiresAt:    expiresAt.Unix(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   invitationID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	return token.SignedString(a.secret)
}

// Verify checks the signature, the embedded expiry, and then re-resolves
// the invitation and session so a revocation or timeout that happened after
// issuance is honored immediately.
func (a *Authority) Verify(ctx context.Context, tokenString string) (*Grant, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredCredential
		}
		return nil, ErrInvalidCredential
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.SubjectKind != subjectKindGuest || c.InvitationID == 0 {
		return nil, ErrInvalidCredential
	}

	// The embedded expiry is checked explicitly so the behavior does not
	// depend on the library's leeway handling.
	if !a.clock.Now().Before(time.Unix(c.ExpiresAt, 0)) {
		return nil, ErrExpiredCredential
	}

	inv, err := a.invitations.FindByID(ctx, snowflake.ID(c.InvitationID))
	if err != nil {
		return nil, err
	}
	if int64(inv.ExamID) != c.ExamID {
		return nil, ErrInvalidCredential
	}

	switch inv.Status {
	case invitationdomain.StatusExpired:
		return nil, ErrExpiredCredential
	case invitationdomain.StatusRevoked:
		return nil, invitationdomain.ErrRevoked
	case invitationdomain.StatusCompleted:
		return nil, ErrAlreadySubmitted
	case invitationdomain.StatusStarted:
	default:
		return nil, invitationdomain.ErrInvalidState
	}

	if inv.SessionID == nil {
		return nil, invitationdomain.ErrInvalidState
	}
	sess, err := a.sessions.Get(ctx, *inv.SessionID)
	if err != nil {
		return nil, err
	}

	switch sess.Status {
	case sessiondomain.StatusCompleted, sessiondomain.StatusAutoSubmitted:
		return nil, ErrAlreadySubmitted
	case sessiondomain.StatusTimedOut:
		return nil, ErrExpiredCredential
	}

	valid, mutated, err := a.sessions.CheckAndMaybeExpire(ctx, sess)
	if err != nil {
		return nil, err
	}
	if !valid {
		if mutated {
			a.log.Info("session expired on credential check",
				zap.Int64("session_id", int64(sess.ID)))
		}
		// A concurrent submit may have won the expiry race; the check
		// refreshes the session status with whatever actually happened.
		switch sess.Status {
		case sessiondomain.StatusCompleted, sessiondomain.StatusAutoSubmitted:
			return nil, ErrAlreadySubmitted
		}
		return nil, ErrExpiredCredential
	}

	return &Grant{
		InvitationID: inv.ID,
		ExamID:       inv.ExamID,
		SessionID:    sess.ID,
		Identity:     c.Identity,
		Invitation:   inv,
		Session:      sess,
	}, nil
}
