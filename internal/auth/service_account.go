package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// DefaultTokenURI is used when the service account omits token_uri.
const DefaultTokenURI = "https://oauth2.googleapis.com/token"

// ServiceAccount holds the fields of a Google service account key file that
// the push gateway needs.
type ServiceAccount struct {
	ProjectID   string `json:"project_id"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// ParseServiceAccount decodes a key file's JSON content.
func ParseServiceAccount(raw []byte) (ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(raw, &sa); err != nil {
		return ServiceAccount{}, fmt.Errorf("decode service account: %w", err)
	}
	if sa.TokenURI == "" {
		sa.TokenURI = DefaultTokenURI
	}
	var errs []error
	if sa.ProjectID == "" {
		errs = append(errs, errors.New("project_id is required"))
	}
	if sa.ClientEmail == "" {
		errs = append(errs, errors.New("client_email is required"))
	}
	if sa.PrivateKey == "" {
		errs = append(errs, errors.New("private_key is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return ServiceAccount{}, fmt.Errorf("invalid service account: %w", err)
	}
	return sa, nil
}

// LoadServiceAccount reads the key from inline JSON when given, else from path.
func LoadServiceAccount(path, inline string) (ServiceAccount, error) {
	if inline != "" {
		return ParseServiceAccount([]byte(inline))
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ServiceAccount{}, fmt.Errorf("read service account %q: %w", path, err)
	}
	return ParseServiceAccount(raw)
}
