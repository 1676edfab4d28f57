package log

const (
	defaultPattern = "%time [%level] %msg\n"
	defaultTime    = "2006-01-02 15:04:05.000"
	defaultLevel   = "info"
)

// Config selects the level, the output pattern and the appender set.
// Stdout is always attached; the appender list adds more sinks.
type Config struct {
	Level     string           `mapstructure:"level"`
	Pattern   string           `mapstructure:"pattern"`
	Time      string           `mapstructure:"time"`
	Appenders []AppenderConfig `mapstructure:"appenders"`
}

// AppenderConfig is one extra sink. Options are decoded per type:
// "file" takes FileAppenderOpt, "kafka" takes KafkaAppenderOpt and
// "loki" takes LokiAppenderOpt.
type AppenderConfig struct {
	Type    string                 `mapstructure:"type"`
	Options map[string]interface{} `mapstructure:"options"`
}

func (c *Config) withDefaults() *Config {
	out := Config{Pattern: defaultPattern, Time: defaultTime, Level: defaultLevel}
	if c != nil {
		if c.Level != "" {
			out.Level = c.Level
		}
		if c.Pattern != "" {
			out.Pattern = c.Pattern
		}
		if c.Time != "" {
			out.Time = c.Time
		}
		out.Appenders = c.Appenders
	}
	return &out
}
