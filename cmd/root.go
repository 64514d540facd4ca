package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/hungrysocks/AnonPost/anonpost"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = anonpost.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "anonpost [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes a level name ("DEBUG", "INFO", ...)
// into a *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(strings.ToUpper(data.(string)))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", anonpost.DefaultDatabase)
	viper.SetDefault("database_slow_threshold", anonpost.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", anonpost.DefaultDatabaseLogLevel.String())

	viper.SetDefault("log_level", anonpost.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", anonpost.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", anonpost.DefaultShutdownTimeout)
	viper.SetDefault("post_cooldown", anonpost.DefaultPostCooldown)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.owner_ids", []string{})
	viper.SetDefault("discord.log_channel_id", "")
	viper.SetDefault("discord.custom_status", anonpost.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.log_level", anonpost.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		anonpost.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", anonpost.DefaultDiscordGatewayIntent)

	// Image downloads
	viper.SetDefault("image.timeout", anonpost.DefaultImageTimeout)
	viper.SetDefault("image.max_bytes", anonpost.DefaultImageMaxBytes)
	viper.SetDefault("image.requests_per_second", anonpost.DefaultImageRequestsPerSecond)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.listen", anonpost.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", anonpost.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", anonpost.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", anonpost.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", anonpost.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", anonpost.DefaultIdleTimeout)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API: SSL config
	viper.SetDefault("api.ssl.tls_min_version", anonpost.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", anonpost.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", anonpost.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", anonpost.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", anonpost.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", anonpost.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(anonpost.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = anonpost.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// bound after the prefix is set, so they're read as <prefix>_API_SSL_*
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))

	// Convert space-separated env values to slices
	for _, key := range []string{
		"discord.owner_ids",
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
	} {
		// decoded to *slog.LevelVar by LevelToStringHookFunc
		if _, err := levelStringToLevelVar(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
