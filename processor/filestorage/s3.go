package filestorage

import (
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// AWSS3 archives images to an S3 bucket. Credentials come from the default
// aws-sdk chain.
type AWSS3 struct {
	bucket   string
	uploader *s3manager.Uploader
	S3Client s3iface.S3API
}

func NewAWSS3(region, bucket string) (*AWSS3, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 archive needs a bucket")
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("could not create aws session: %w", err)
	}

	client := s3.New(sess)
	return &AWSS3{
		bucket:   bucket,
		uploader: s3manager.NewUploaderWithClient(client),
		S3Client: client,
	}, nil
}

// StoreFile uploads srcpath to the bucket under destpath. Images are large,
// s3manager splits them in multipart uploads.
func (b AWSS3) StoreFile(srcpath, destpath string, metadata map[string]string) error {
	f, err := os.Open(srcpath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = b.uploader.Upload(&s3manager.UploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(destpath),
		Body:     f,
		Metadata: aws.StringMap(metadata),
	})
	return err
}

// DeleteFile deletes path from the bucket.
func (b AWSS3) DeleteFile(path string) error {
	_, err := b.S3Client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	})
	return err
}

// FileExists returns true if the object exists, false otherwise
func (b AWSS3) FileExists(path string) bool {
	_, err := b.S3Client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	})
	return err == nil
}
