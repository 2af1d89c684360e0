package s3

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func TestApplyPrefix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		prefix string
		key    string
		want   string
	}{
		{name: "no prefix", prefix: "", key: "owner/tryon_1.png", want: "owner/tryon_1.png"},
		{name: "simple prefix", prefix: "assets", key: "owner/tryon_1.png", want: "assets/owner/tryon_1.png"},
		{name: "prefix trailing slash", prefix: "assets/", key: "owner/tryon_1.png", want: "assets/owner/tryon_1.png"},
		{name: "prefix and key slashes", prefix: "/assets/", key: "/owner/tryon_1.png", want: "assets/owner/tryon_1.png"},
		{name: "nested prefix", prefix: "assets/prod", key: "owner/tryon_1.png", want: "assets/prod/owner/tryon_1.png"},
		{name: "empty key", prefix: "assets", key: "", want: "assets"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := applyPrefix(tt.prefix, tt.key); got != tt.want {
				t.Fatalf("applyPrefix(%q, %q) = %q, want %q", tt.prefix, tt.key, got, tt.want)
			}
		})
	}
}

func TestApplyEncryption(t *testing.T) {
	t.Parallel()

	kms := &Store{kmsKeyID: "key-1"}
	in := &s3.PutObjectInput{}
	kms.applyEncryption(in)
	if in.ServerSideEncryption != s3types.ServerSideEncryptionAwsKms || in.SSEKMSKeyId == nil || *in.SSEKMSKeyId != "key-1" {
		t.Fatalf("expected kms encryption, got %+v", in)
	}

	plain := &Store{}
	in = &s3.PutObjectInput{}
	plain.applyEncryption(in)
	if in.ServerSideEncryption != s3types.ServerSideEncryptionAes256 || in.SSEKMSKeyId != nil {
		t.Fatalf("expected AES256 encryption, got %+v", in)
	}
}
