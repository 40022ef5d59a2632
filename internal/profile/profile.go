// Package profile models the user metadata record whose fields are written
// to the ledger independently of each other.
package profile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/iggydv12/replicaset/internal/replicaset"
)

// Field names a single independently updatable ledger field.
type Field string

const (
	FieldName                Field = "name"
	FieldBio                 Field = "bio"
	FieldLocation            Field = "location"
	FieldProfilePictureHash  Field = "profile_picture_sizes"
	FieldCoverPhotoHash      Field = "cover_photo_sizes"
	FieldCreatorNodeEndpoint Field = "creator_node_endpoint"
)

// Fields lists every updatable field in a stable order.
var Fields = []Field{
	FieldName,
	FieldBio,
	FieldLocation,
	FieldProfilePictureHash,
	FieldCoverPhotoHash,
	FieldCreatorNodeEndpoint,
}

// UserProfile is the ledger-backed metadata of one user.
type UserProfile struct {
	UserID              int64  `json:"user_id"`
	Wallet              string `json:"wallet"`
	Handle              string `json:"handle"`
	Name                string `json:"name"`
	Bio                 string `json:"bio"`
	Location            string `json:"location"`
	ProfilePictureHash  string `json:"profile_picture_sizes"`
	CoverPhotoHash      string `json:"cover_photo_sizes"`
	CreatorNodeEndpoint string `json:"creator_node_endpoint"`
}

var (
	ErrInvalidUserID = errors.New("user id must be positive")
	ErrMissingHandle = errors.New("handle is required")
	ErrMissingName   = errors.New("name is required")
)

// Get returns the value of f.
func (p UserProfile) Get(f Field) (string, error) {
	switch f {
	case FieldName:
		return p.Name, nil
	case FieldBio:
		return p.Bio, nil
	case FieldLocation:
		return p.Location, nil
	case FieldProfilePictureHash:
		return p.ProfilePictureHash, nil
	case FieldCoverPhotoHash:
		return p.CoverPhotoHash, nil
	case FieldCreatorNodeEndpoint:
		return p.CreatorNodeEndpoint, nil
	default:
		return "", fmt.Errorf("unknown field %q", f)
	}
}

// With returns a copy of p with f set to value.
func (p UserProfile) With(f Field, value string) (UserProfile, error) {
	switch f {
	case FieldName:
		p.Name = value
	case FieldBio:
		p.Bio = value
	case FieldLocation:
		p.Location = value
	case FieldProfilePictureHash:
		p.ProfilePictureHash = value
	case FieldCoverPhotoHash:
		p.CoverPhotoHash = value
	case FieldCreatorNodeEndpoint:
		if err := ValidateEndpoint(value); err != nil {
			return p, err
		}
		p.CreatorNodeEndpoint = value
	default:
		return p, fmt.Errorf("unknown field %q", f)
	}
	return p, nil
}

// Clean trims surrounding whitespace from every text field.
func Clean(p UserProfile) UserProfile {
	p.Wallet = strings.TrimSpace(p.Wallet)
	p.Handle = strings.TrimSpace(p.Handle)
	p.Name = strings.TrimSpace(p.Name)
	p.Bio = strings.TrimSpace(p.Bio)
	p.Location = strings.TrimSpace(p.Location)
	p.ProfilePictureHash = strings.TrimSpace(p.ProfilePictureHash)
	p.CoverPhotoHash = strings.TrimSpace(p.CoverPhotoHash)
	p.CreatorNodeEndpoint = strings.TrimSpace(p.CreatorNodeEndpoint)
	return p
}

// Validate checks the fields every stored profile must carry.
func Validate(p UserProfile) error {
	var errs []error
	if p.UserID <= 0 {
		errs = append(errs, ErrInvalidUserID)
	}
	if p.Handle == "" {
		errs = append(errs, ErrMissingHandle)
	}
	if p.Name == "" {
		errs = append(errs, ErrMissingName)
	}
	if err := ValidateEndpoint(p.CreatorNodeEndpoint); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateEndpoint accepts an empty creator_node_endpoint or a complete
// replica set.
func ValidateEndpoint(encoded string) error {
	if _, err := replicaset.Parse(encoded); err != nil {
		return fmt.Errorf("%s: %w", FieldCreatorNodeEndpoint, err)
	}
	return nil
}

// Diff returns the fields whose values differ between old and updated,
// skipping any field listed in exclude.
func Diff(old, updated UserProfile, exclude ...Field) []Field {
	skip := make(map[Field]bool, len(exclude))
	for _, f := range exclude {
		skip[f] = true
	}

	var changed []Field
	for _, f := range Fields {
		if skip[f] {
			continue
		}
		a, _ := old.Get(f)
		b, _ := updated.Get(f)
		if a != b {
			changed = append(changed, f)
		}
	}
	return changed
}
