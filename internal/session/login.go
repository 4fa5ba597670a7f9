package session

import (
	"context"
	"crypto/rand"
	"fmt"

	apperrors "github.com/alexjbarnes/matrix-sync/internal/errors"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

// pickleKeySize is the length of the key pickles are encrypted with.
const pickleKeySize = 32

// Login is the stored login of a device.
type Login struct {
	Homeserver  string `json:"homeserver"`
	UserID      string `json:"userId"`
	DeviceID    string `json:"deviceId"`
	AccessToken string `json:"accessToken"`
	PickleKey   []byte `json:"pickleKey"`
}

// LoadLogin returns the stored login, or ErrNotLoggedIn.
func LoadLogin(st *storage.Storage) (*Login, error) {
	var (
		login Login
		found bool
	)

	err := st.View(func(txn *storage.Txn) error {
		var err error
		found, err = txn.Session().Get(storage.SessionKeyLogin, &login)

		return err
	}, storage.StoreSession)
	if err != nil {
		return nil, fmt.Errorf("reading login: %w", err)
	}

	if !found {
		return nil, apperrors.ErrNotLoggedIn
	}

	return &login, nil
}

// StoreLogin persists login, generating its pickle key when missing.
func StoreLogin(st *storage.Storage, login *Login) error {
	if len(login.PickleKey) == 0 {
		login.PickleKey = make([]byte, pickleKeySize)
		if _, err := rand.Read(login.PickleKey); err != nil {
			return fmt.Errorf("generating pickle key: %w", err)
		}
	}

	return st.Update(func(txn *storage.Txn) error {
		return txn.Session().Set(storage.SessionKeyLogin, login)
	}, storage.StoreSession)
}

// PasswordLogin logs in with a password and stores the new device.
func PasswordLogin(ctx context.Context, api matrix.HomeServerAPI, st *storage.Storage, homeserver, userID, password, deviceName string) (*Login, error) {
	resp, err := api.Login(ctx, matrix.LoginRequest{
		Type: "m.login.password",
		Identifier: map[string]any{
			"type": "m.id.user",
			"user": userID,
		},
		Password:                 password,
		InitialDeviceDisplayName: deviceName,
	})
	if matrix.IsHomeServerError(err, matrix.ErrCodeForbidden) {
		return nil, apperrors.ErrInvalidCredentials
	}

	if err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}

	login := &Login{
		Homeserver:  homeserver,
		UserID:      resp.UserID,
		DeviceID:    resp.DeviceID,
		AccessToken: resp.AccessToken,
	}

	if err := StoreLogin(st, login); err != nil {
		return nil, err
	}

	return login, nil
}
