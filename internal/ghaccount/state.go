package ghaccount

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const stateIssuer = "repo-insights/github-connect"

var errInvalidState = errors.New("invalid oauth state")

type stateClaims struct {
	UserID   int64  `json:"uid"`
	Nonce    string `json:"nonce"`
	ReturnTo string `json:"returnTo,omitempty"`
	jwt.RegisteredClaims
}

type stateSigner struct {
	secret []byte
	ttl    time.Duration
}

func (s stateSigner) sign(userID int64, returnTo string, now time.Time) (string, error) {
	claims := stateClaims{
		UserID:   userID,
		Nonce:    uuid.NewString(),
		ReturnTo: returnTo,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    stateIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign oauth state: %w", err)
	}
	return signed, nil
}

func (s stateSigner) verify(raw string, now time.Time) (stateClaims, error) {
	claims := stateClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	token, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return stateClaims{}, errInvalidState
	}
	if !claims.VerifyExpiresAt(now, true) || !claims.VerifyIssuer(stateIssuer, true) {
		return stateClaims{}, errInvalidState
	}
	if claims.UserID <= 0 || claims.Nonce == "" {
		return stateClaims{}, errInvalidState
	}
	return claims, nil
}
