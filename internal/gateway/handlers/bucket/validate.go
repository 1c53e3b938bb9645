package bucket

import (
	"regexp"
	"strings"

	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/response"
)

var (
	bucketNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*[a-z0-9]$`)
	ipv4Regex       = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)
)

var forbiddenPrefixes = []string{"xn--", "sthree-", "amzn-s3-demo-"}

// ValidateBucketName enforces the S3 bucket naming rules: 3 to 63 characters
// of lowercase letters, digits, dots and hyphens, starting and ending with a
// letter or digit, no dot adjacent to another dot or hyphen, not shaped like
// an IPv4 address, and none of the reserved prefixes.
func ValidateBucketName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return response.InvalidBucketName("bucket name must be between 3 and 63 characters long")
	}
	if !bucketNameRegex.MatchString(name) {
		return response.InvalidBucketName("bucket name contains invalid characters")
	}
	if strings.Contains(name, "..") || strings.Contains(name, ".-") || strings.Contains(name, "-.") {
		return response.InvalidBucketName("bucket name must not contain adjacent periods or period-hyphen sequences")
	}
	if ipv4Regex.MatchString(name) {
		return response.InvalidBucketName("bucket name must not be formatted as an IP address")
	}
	for _, prefix := range forbiddenPrefixes {
		if strings.HasPrefix(name, prefix) {
			return response.InvalidBucketName("bucket name uses a reserved prefix")
		}
	}
	return nil
}
