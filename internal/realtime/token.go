package realtime

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/IvanNece/StreetControl/internal/streeterr"
)

// Role is the authority a connection was issued under. Commands the
// broker accepts from a session are gated on this, not on the
// session's identity.
type Role string

const (
	RoleJudge    Role = "JUDGE"
	RoleDirector Role = "DIRECTOR"
	RoleViewer   Role = "VIEWER"
)

// claims is the signed body of a judge/director token.
type claims struct {
	jwt.RegisteredClaims
	Role     Role   `json:"role"`
	MeetCode string `json:"meet_code"`
	// JudgePos is set only for RoleJudge: which of the three positions
	// this token votes as.
	JudgePos string `json:"judge_pos,omitempty"`
}

// TokenIssuer signs and verifies the bearer tokens directors hand to
// judge stations before a session, scoped to one meet and role.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: secret, ttl: ttl}
}

// Issue mints a token for role on meetCode. judgePos is ignored unless
// role is RoleJudge.
func (i *TokenIssuer) Issue(meetCode string, role Role, judgePos string) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Role:     role,
		MeetCode: meetCode,
	}
	if role == RoleJudge {
		c.JudgePos = judgePos
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", streeterr.Wrap(streeterr.Fatal, err, "sign judge token")
	}
	return signed, nil
}

// Verify parses and validates a bearer token, returning its claims.
func (i *TokenIssuer) Verify(token string) (Role, string, string, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil || !parsed.Valid {
		return "", "", "", streeterr.Newf(streeterr.BadInput, "invalid or expired token: %v", err)
	}
	return c.Role, c.MeetCode, c.JudgePos, nil
}
