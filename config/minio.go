package config

type MinioConfig struct {
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Endpoint   string `yaml:"endpoint"`
	UseSSL     bool   `yaml:"use_ssl"`
	Region     string `yaml:"region"`
	BucketName string `yaml:"bucket_name"`
}

func applyMinioEnv(c *MinioConfig, str func(string, *string), boolean func(string, *bool)) {
	str("MINIO_ACCESS_KEY", &c.AccessKey)
	str("MINIO_SECRET_KEY", &c.SecretKey)
	str("MINIO_ENDPOINT", &c.Endpoint)
	boolean("MINIO_USE_SSL", &c.UseSSL)
	str("MINIO_REGION", &c.Region)
	str("MINIO_BUCKET_NAME", &c.BucketName)
}
