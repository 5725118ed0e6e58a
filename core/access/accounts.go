// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/relabs-tech/hotelier/core/csql"
	"github.com/relabs-tech/hotelier/core/docstore"
	"github.com/relabs-tech/hotelier/core/logger"
)

// ErrInvalidCredentials is returned by Authenticate for unknown accounts, wrong
// passwords and disabled accounts alike
var ErrInvalidCredentials = errors.New("invalid email or password")

// Account is a staff account
type Account struct {
	AccountID    uuid.UUID  `json:"account_id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	Roles        []string   `json:"roles"`
	Active       bool       `json:"active"`
	PasswordHash string     `json:"password_hash,omitempty"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	Revision     int        `json:"revision"`
}

// Authorization returns the authorization granted to the account
func (a *Account) Authorization() Authorization {
	return Authorization{
		Identity:   a.Email,
		Roles:      a.Roles,
		Properties: map[string]string{"account_id": a.AccountID.String(), "name": a.Name},
	}
}

// Public returns a copy of the account without the password hash
func (a Account) Public() Account {
	a.PasswordHash = ""
	return a
}

// NewAccount describes an account to be created
type NewAccount struct {
	Email    string   `json:"email"`
	Name     string   `json:"name"`
	Password string   `json:"password"`
	Roles    []string `json:"roles"`
}

// Accounts stores staff accounts in the "account" collection with the email as
// external index
type Accounts struct {
	db         *csql.DB
	collection *docstore.Collection
}

// NewAccounts returns the account store and creates its table
func NewAccounts(ctx context.Context, db *csql.DB) (*Accounts, error) {
	a := &Accounts{
		db: db,
		collection: docstore.New(db.Schema, nil, docstore.Configuration{
			Resource:             "account",
			ExternalIndex:        "email",
			SearchableProperties: []string{"active"},
		}),
	}
	if err := a.collection.CreateTable(ctx, db); err != nil {
		return nil, err
	}
	return a, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validRole(role string) bool {
	for _, r := range StaffRoles {
		if r == role {
			return true
		}
	}
	return false
}

func (a *Accounts) toDocument(account *Account) (docstore.Document, error) {
	properties, err := json.Marshal(account)
	if err != nil {
		return docstore.Document{}, err
	}
	return docstore.Document{
		ID:         account.AccountID,
		Timestamp:  account.CreatedAt,
		Revision:   account.Revision,
		Properties: properties,
		Columns:    map[string]string{"email": account.Email, "active": fmt.Sprint(account.Active)},
	}, nil
}

func fromDocument(doc docstore.Document) (*Account, error) {
	account := &Account{}
	if err := json.Unmarshal(doc.Properties, account); err != nil {
		return nil, err
	}
	account.AccountID = doc.ID
	account.CreatedAt = doc.Timestamp
	account.Revision = doc.Revision
	return account, nil
}

// CreateAccount creates an active account with a bcrypt hashed password. It returns
// docstore.ErrConflict if the email is already taken.
func (a *Accounts) CreateAccount(ctx context.Context, na NewAccount) (*Account, error) {
	email := normalizeEmail(na.Email)
	if !strings.Contains(email, "@") {
		return nil, fmt.Errorf("invalid email '%s'", na.Email)
	}
	if len(na.Password) < 8 {
		return nil, errors.New("password must have at least 8 characters")
	}
	if len(na.Roles) == 0 {
		return nil, errors.New("account needs at least one role")
	}
	for _, role := range na.Roles {
		if !validRole(role) {
			return nil, fmt.Errorf("unknown role '%s'", role)
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(na.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	account := &Account{
		AccountID:    uuid.New(),
		Email:        email,
		Name:         na.Name,
		Roles:        na.Roles,
		Active:       true,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	doc, err := a.toDocument(account)
	if err != nil {
		return nil, err
	}
	doc, err = a.collection.Insert(ctx, a.db, doc)
	if err != nil {
		return nil, err
	}
	account.Revision = doc.Revision
	return account, nil
}

// EnsureAccounts creates the specified accounts if they do not exist yet
func (a *Accounts) EnsureAccounts(ctx context.Context, accounts ...NewAccount) error {
	for _, na := range accounts {
		_, err := a.CreateAccount(ctx, na)
		if errors.Is(err, docstore.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("cannot ensure account %s: %w", na.Email, err)
		}
		logger.FromContext(ctx).Infoln("created account", na.Email)
	}
	return nil
}

// Read returns the account with the given id
func (a *Accounts) Read(ctx context.Context, id uuid.UUID) (*Account, error) {
	doc, err := a.collection.Read(ctx, a.db, id)
	if err != nil {
		return nil, err
	}
	return fromDocument(doc)
}

// List returns a page of accounts, newest first
func (a *Accounts) List(ctx context.Context, opts docstore.ListOptions) ([]Account, docstore.Pagination, error) {
	docs, pagination, err := a.collection.List(ctx, a.db, opts)
	if err != nil {
		return nil, pagination, err
	}
	accounts := make([]Account, 0, len(docs))
	for _, doc := range docs {
		account, err := fromDocument(doc)
		if err != nil {
			return nil, pagination, err
		}
		accounts = append(accounts, account.Public())
	}
	return accounts, pagination, nil
}

// SetActive enables or disables an account
func (a *Accounts) SetActive(ctx context.Context, id uuid.UUID, active bool) (*Account, error) {
	account, err := a.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	account.Active = active
	return account, a.update(ctx, account)
}

func (a *Accounts) update(ctx context.Context, account *Account) error {
	doc, err := a.toDocument(account)
	if err != nil {
		return err
	}
	doc, err = a.collection.Update(ctx, a.db, doc)
	if err != nil {
		return err
	}
	account.Revision = doc.Revision
	return nil
}

// Authenticate checks email and password and returns the account
func (a *Accounts) Authenticate(ctx context.Context, email, password string) (*Account, error) {
	doc, err := a.collection.ReadByExternalIndex(ctx, a.db, normalizeEmail(email))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	account, err := fromDocument(doc)
	if err != nil {
		return nil, err
	}
	if !account.Active || bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	now := time.Now().UTC()
	account.LastLoginAt = &now
	account.Revision = 0
	if err := a.update(ctx, account); err != nil {
		logger.FromContext(ctx).WithError(err).Warnln("cannot record login for", account.Email)
	}
	return account, nil
}
