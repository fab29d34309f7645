package credentials

import (
	"encoding/json"
	"fmt"
	"strings"
)

const policyVersion = "2012-10-17"

// Policy is an IAM session policy document.
type Policy struct {
	Version   string      `json:"Version"`
	Statement []Statement `json:"Statement"`
}

// Statement is one IAM policy statement.
type Statement struct {
	Sid       string                       `json:"Sid"`
	Effect    string                       `json:"Effect"`
	Action    []string                     `json:"Action"`
	Resource  []string                     `json:"Resource"`
	Condition map[string]map[string]string `json:"Condition,omitempty"`
}

// PolicyInput is everything the session policy depends on.
type PolicyInput struct {
	Partition string
	Dataset   S3Path

	AllowKMS       bool
	AllowImagePull bool

	// ProjectAccountID enables read access to buckets owned by any other
	// account when set.
	ProjectAccountID string
}

// BuildPolicy returns the least-privilege session policy for one execution:
// list on the dataset bucket, write/delete only under the dataset prefix and
// read everywhere the broker role can already reach.
func BuildPolicy(in PolicyInput) Policy {
	partition := in.Partition
	if partition == "" {
		partition = "aws"
	}
	bucketARN := fmt.Sprintf("arn:%s:s3:::%s", partition, in.Dataset.Bucket)

	p := Policy{
		Version: policyVersion,
		Statement: []Statement{
			{
				Sid:      "AllowListBucket",
				Effect:   "Allow",
				Action:   []string{"s3:ListBucket", "s3:GetBucketLocation"},
				Resource: []string{bucketARN},
			},
			{
				Sid:      "AllowWriteToDataset",
				Effect:   "Allow",
				Action:   []string{"s3:PutObject", "s3:DeleteObject"},
				Resource: []string{fmt.Sprintf("%s/%s/*", bucketARN, in.Dataset.Key)},
			},
			{
				Sid:      "AllowRead",
				Effect:   "Allow",
				Action:   []string{"s3:GetObject*"},
				Resource: []string{"*"},
			},
		},
	}

	if in.AllowKMS {
		p.Statement = append(p.Statement, Statement{
			Sid:      "AllowKMS",
			Effect:   "Allow",
			Action:   []string{"kms:Decrypt", "kms:GenerateDataKey*"},
			Resource: []string{"*"},
		})
	}
	if in.AllowImagePull {
		p.Statement = append(p.Statement, Statement{
			Sid:    "AllowPullImage",
			Effect: "Allow",
			Action: []string{
				"ecr:GetAuthorizationToken",
				"ecr:BatchCheckLayerAvailability",
				"ecr:GetDownloadUrlForLayer",
				"ecr:BatchGetImage",
			},
			Resource: []string{"*"},
		})
	}
	if in.ProjectAccountID != "" {
		p.Statement = append(p.Statement, Statement{
			Sid:      "AllowReadCrossAccount",
			Effect:   "Allow",
			Action:   []string{"s3:GetObject*", "s3:ListBucket", "s3:GetBucketLocation"},
			Resource: []string{"*"},
			Condition: map[string]map[string]string{
				"StringNotEquals": {"aws:ResourceAccount": in.ProjectAccountID},
			},
		})
	}
	return p
}

// JSON renders the policy for the STS Policy parameter.
func (p Policy) JSON() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal policy: %w", err)
	}
	return string(b), nil
}

const maxRoleSessionName = 64

// RoleSessionName returns "agentID-username" capped at the STS limit. It only
// attributes the session in audit logs.
func RoleSessionName(agentID, username string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case strings.ContainsRune("_+=,.@-", r):
			return r
		}
		return '_'
	}, agentID+"-"+username)
	if len(name) > maxRoleSessionName {
		name = name[:maxRoleSessionName]
	}
	return name
}
