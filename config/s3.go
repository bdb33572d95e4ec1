package config

type S3Config struct {
	BucketName string `yaml:"bucket_name"`
	Region     string `yaml:"region"`
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
}

func applyS3Env(c *S3Config, str func(string, *string)) {
	str("AWS_S3_BUCKET_NAME", &c.BucketName)
	str("AWS_REGION", &c.Region)
	str("AWS_ENDPOINT", &c.Endpoint)
	str("AWS_ACCESS_KEY", &c.AccessKey)
	str("AWS_SECRET_KEY", &c.SecretKey)
}
