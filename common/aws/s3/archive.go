package s3

import (
	"bytes"
	"context"
	"errors"
	"io/ioutil"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/klauspost/compress/gzip"
)

var (
	UploadConcurrency   = 5
	DownloadConcurrency = 10

	errNoSuchKey = errors.New("no such key")

	sess *session.Session
)

// Session Shared session configured from the environment and the shared config files.
func Session() *session.Session {
	if sess == nil {
		sess = session.Must(session.NewSessionWithOptions(session.Options{
			SharedConfigState: session.SharedConfigEnable,
			Config:            aws.Config{Region: aws.String(os.Getenv("AWS_REGION"))},
		}))
	}
	return sess
}

// Archive Gzipped objects under a key prefix of one bucket.
type Archive struct {
	Bucket string
	Prefix string

	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
}

func NewArchive(sess *session.Session, bucket string, prefix string) *Archive {
	return &Archive{
		Bucket: bucket,
		Prefix: prefix,
		uploader: s3manager.NewUploader(sess, func(u *s3manager.Uploader) {
			u.Concurrency = UploadConcurrency
		}),
		downloader: s3manager.NewDownloader(sess, func(d *s3manager.Downloader) {
			d.Concurrency = DownloadConcurrency
		}),
	}
}

func (a *Archive) Upload(ctx context.Context, key string, data []byte) error {
	var buf bytes.Buffer
	zipWriter := gzip.NewWriter(&buf)
	if _, err := zipWriter.Write(data); err != nil {
		return err
	}
	if err := zipWriter.Close(); err != nil {
		return err
	}

	_, err := a.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(a.Bucket),
		Key:    aws.String(a.Prefix + key),
		Body:   &buf,
	})
	return err
}

// Download Fails with "no such key" if nothing was uploaded under key.
func (a *Archive) Download(ctx context.Context, key string) ([]byte, error) {
	buf := aws.NewWriteAtBuffer(make([]byte, 0, 1<<20))
	_, err := a.downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(a.Bucket),
		Key:    aws.String(a.Prefix + key),
	})
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
		return nil, errNoSuchKey
	} else if err != nil {
		return nil, err
	}

	zipReader, err := gzip.NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, err
	}
	defer zipReader.Close()
	return ioutil.ReadAll(zipReader)
}
