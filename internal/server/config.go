package server

import "time"

type SMTPConfig struct {
	Host     string
	Port     string
	User     string
	Pass     string
	From     string
	Security string
}

type AdminSeed struct {
	Email    string
	Password string
}

type Config struct {
	Addr            string
	MongoURI        string
	MongoDB         string
	UsersCollection string
	JWTIssuer       string
	TokenTTL        time.Duration
	SMTP            SMTPConfig

	// Admin seeded at boot for the privileged rekey endpoint. Optional.
	Admin AdminSeed
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.UsersCollection == "" {
		c.UsersCollection = "users"
	}
	if c.JWTIssuer == "" {
		c.JWTIssuer = "letterlock-backend"
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 15 * time.Minute
	}
	if c.SMTP.Security == "" {
		c.SMTP.Security = "starttls"
	}
}
