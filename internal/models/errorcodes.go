package models

// ErrorCode classifies why the automation worker gave up on a job
type ErrorCode string

const (
	ErrCodePageNotFound         ErrorCode = "PAGE_NOT_FOUND"
	ErrCodeSearchPage           ErrorCode = "SEARCH_PAGE"
	ErrCodeInvalidPage          ErrorCode = "INVALID_PAGE"
	ErrCodeInvalidURL           ErrorCode = "INVALID_URL"
	ErrCodeServiceNotFound      ErrorCode = "SERVICE_NOT_FOUND"
	ErrCodeSessionExpired       ErrorCode = "SESSION_EXPIRED"
	ErrCodeFormValidationFailed ErrorCode = "FORM_VALIDATION_FAILED"
)

// AllErrorCodes is every code a worker may report.
var AllErrorCodes = []ErrorCode{
	ErrCodePageNotFound,
	ErrCodeSearchPage,
	ErrCodeInvalidPage,
	ErrCodeInvalidURL,
	ErrCodeServiceNotFound,
	ErrCodeSessionExpired,
	ErrCodeFormValidationFailed,
}

// GenericGuidance is shown for codes missing from the table.
const GenericGuidance = "The submission could not be completed. Please try again in a few minutes; if it keeps failing, contact support with the submission ID."

var errorGuidance = map[ErrorCode]string{
	ErrCodePageNotFound:         "The government service page could not be found. Check that the service URL is still published and try again.",
	ErrCodeSearchPage:           "The link points to a search results page, not a service application page. Open the specific service and copy its URL.",
	ErrCodeInvalidPage:          "The page at the service URL is not an online application form. Pick a service that supports online submission.",
	ErrCodeInvalidURL:           "The service URL is malformed or not on a supported portal. Paste the full address from the portal.",
	ErrCodeServiceNotFound:      "The requested service is not available online for this applicant. Confirm the service name and eligibility.",
	ErrCodeSessionExpired:       "The portal login session expired before the form was submitted. Restart authentication and submit again.",
	ErrCodeFormValidationFailed: "The portal rejected one or more form fields. Review the client's details and the attached document, then resubmit.",
}

// Known reports whether c is in the central table.
func (c ErrorCode) Known() bool {
	_, ok := errorGuidance[c]
	return ok
}

// Guidance returns user-facing advice for c, falling back to GenericGuidance.
func Guidance(c ErrorCode) string {
	if g, ok := errorGuidance[c]; ok {
		return g
	}
	return GenericGuidance
}
