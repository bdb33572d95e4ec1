package config

type TextractConfig struct {
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// TesseractConfig configures the local tesseract engine.
type TesseractConfig struct {
	Languages   []string `yaml:"languages"`
	PageSegMode int      `yaml:"page_seg_mode"`
}

func applyTextractEnv(c *TextractConfig, str func(string, *string)) {
	str("AWS_REGION", &c.Region)
	str("AWS_ENDPOINT", &c.Endpoint)
	str("AWS_ACCESS_KEY", &c.AccessKey)
	str("AWS_SECRET_KEY", &c.SecretKey)
}
