package auth

import (
	"context"
	"crypto/x509"
	"fmt"
	"strconv"

	"github.com/jmcleod/cmpauth/cmp"
)

// Access-control resources consulted by the engine.
const (
	ResourceRoot              = "/"
	ResourceCAAccessPrefix    = "/ca/"
	ResourceProfilePrefix     = "/endentityprofilesrules/"
	ResourceRAFunctionality   = "/ra_functionality"
	ResourceCreateCertificate = "/ca_functionality/create_certificate"
	ResourceRevokeEndEntity   = ResourceRAFunctionality + RightRevoke

	RightCreate = "/create_end_entity"
	RightEdit   = "/edit_end_entity"
	RightRevoke = "/revoke_end_entity"
)

// EmptyEndEntityProfile is the id of the built-in profile that places no
// constraints on end entities.
const EmptyEndEntityProfile = 1

// CAAccessResource returns the resource granting access to a CA.
func CAAccessResource(caID int32) string {
	return ResourceCAAccessPrefix + strconv.FormatInt(int64(caID), 10)
}

// ProfileResource returns the profile-scoped resource for a right.
func ProfileResource(profileID int, right string) string {
	return ResourceProfilePrefix + strconv.Itoa(profileID) + right
}

// authorize checks that the RA certificate belongs to an administrator
// allowed to perform the requested operation.
func (e *Engine) authorize(ctx context.Context, admin Principal, msg *cmp.Message, cfg AliasConfig, cert *x509.Certificate, caID int32) *Rejection {
	profileName := cfg.RAEndEntityProfile
	if profileName == ProfileFromKeyID && len(msg.Header.SenderKID) > 0 {
		profileName = string(msg.Header.SenderKID)
		e.logger.DebugContext(ctx, "using end entity profile named by sender key id", "profile", profileName)
	}
	profileID, err := e.profiles.ProfileID(ctx, profileName)
	if err != nil {
		return reject(ReasonEndEntityProfileNotFound,
			fmt.Sprintf("no end entity profile found with name %q", profileName)).withCause(err)
	}

	token, err := e.identities.Authenticate(ctx, []*x509.Certificate{cert})
	if err != nil {
		return reject(ReasonNotAuthorizedAdmin, notAuthorizedAdmin(cert)).withCause(err)
	}

	if res := CAAccessResource(caID); !e.access.IsAuthorized(ctx, admin, res) {
		return reject(ReasonNotAuthorizedForCA, "not authorized to the CA").
			withDetail("%s not authorized to resource %s", admin, res)
	}

	var required [][]string
	switch msg.BodyType {
	case cmp.BodyIR, cmp.BodyCR, cmp.BodyKUR:
		required = [][]string{
			profileRight(profileID, RightCreate),
			profileRight(profileID, RightEdit),
			{ResourceCreateCertificate},
		}
	case cmp.BodyRR:
		required = [][]string{
			profileRight(profileID, RightRevoke),
			{ResourceRevokeEndEntity},
		}
	default:
		// Other operations carry no additional rights requirement here.
		e.logger.DebugContext(ctx, "no rights required for body type", "body_type", msg.BodyType.String())
	}

	for _, group := range required {
		for _, res := range group {
			if !e.access.IsAuthorized(ctx, token, res) {
				return reject(ReasonNotAuthorizedAdmin, notAuthorizedAdmin(cert)).
					withDetail("%s not authorized to resource %s", token, res)
			}
		}
	}
	return nil
}

// profileRight returns the resources that together grant right within a
// profile. Create and edit on the empty profile need the root rule.
func profileRight(profileID int, right string) []string {
	if profileID == EmptyEndEntityProfile && (right == RightCreate || right == RightEdit) {
		return []string{ResourceRoot}
	}
	return []string{ProfileResource(profileID, right), ResourceRAFunctionality + right}
}

func notAuthorizedAdmin(cert *x509.Certificate) string {
	return fmt.Sprintf("%q is not an authorized administrator", cert.Subject.String())
}
