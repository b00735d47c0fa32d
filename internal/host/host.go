// host discovers where deckhand is running. On EC2 the instance identity is
// stamped onto journal entries; anywhere else the lookup quietly yields
// nothing.
package host

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"

	"github.com/deckhand-dev/deckhand/internal/log"
)

// IMDS is on-link; anything slower than this means we're not on EC2.
const discoverTimeout = 2 * time.Second

// Identity describes the EC2 instance deckhand runs on. Zero off-EC2.
type Identity struct {
	InstanceID string
	Region     string
	Zone       string
}

func (i Identity) OnEC2() bool {
	return i.InstanceID != ""
}

// IMDSAPI is the slice of the metadata client discovery needs.
type IMDSAPI interface {
	GetInstanceIdentityDocument(ctx context.Context, params *imds.GetInstanceIdentityDocumentInput, optFns ...func(*imds.Options)) (*imds.GetInstanceIdentityDocumentOutput, error)
}

// Discover queries the instance metadata service. Failures are expected off
// EC2 and never fatal.
func Discover(ctx context.Context) Identity {
	return discover(ctx, imds.New(imds.Options{}))
}

func discover(ctx context.Context, api IMDSAPI) Identity {
	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	doc, err := api.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		log.Debug(ctx, "no instance metadata available, assuming off-EC2", "error", err)
		return Identity{}
	}

	return Identity{
		InstanceID: doc.InstanceID,
		Region:     doc.Region,
		Zone:       doc.AvailabilityZone,
	}
}

// AWSConfig loads the default AWS config. An explicit region wins; otherwise
// the instance's own region seeds the config so deploys on EC2 need no
// region flag at all.
func AWSConfig(ctx context.Context, region string, identity Identity) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{}

	switch {
	case region != "":
		opts = append(opts, config.WithRegion(region))
	case identity.Region != "":
		opts = append(opts, config.WithRegion(identity.Region))
	}

	return config.LoadDefaultConfig(ctx, opts...)
}
