package service

import "regexp"

// credentialPattern matches presigned-URL query credentials that end up in
// transport error messages (url.Error embeds the full request URL).
var credentialPattern = regexp.MustCompile(
	`(?i)((?:X-Amz-Signature|X-Amz-Credential|X-Amz-Security-Token|Signature|AWSAccessKeyId)=)[^&\s"]+`,
)

// RedactError renders err with presigned credentials replaced by [REDACTED].
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return credentialPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
