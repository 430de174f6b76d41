package cmd

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/loranet/semtech-udp-bridge/internal/config"
)

var cfgFile string
var version string

var rootCmd = &cobra.Command{
	Use:   "semtech-udp-bridge",
	Short: "Semtech UDP packet-forwarder gateway bridge",
	Long: `semtech-udp-bridge embeds the Semtech UDP packet-forwarder protocol
runtime, republishing gateway events over MQTT and optionally exposing a
debug websocket + Prometheus endpoint.`,
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute(v string) {
	version = v
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to configuration file (optional)")
	rootCmd.PersistentFlags().Int("log-level", 4, "debug=5, info=4, error=2, fatal=1, panic=0")

	viper.SetDefault("udp_server.bind", "0.0.0.0:1700")
	viper.SetDefault("udp_server.writer_queue_size", 100)
	viper.SetDefault("udp_server.event_bus_buffer_size", 100)
	viper.SetDefault("metrics.prometheus.bind", "0.0.0.0:8080")
	viper.SetDefault("http_api.bind", "")
	viper.SetDefault("integration.mqtt.event_topic_template", "gateway/{{ .GatewayID }}/event/{{ .EventType }}")
	viper.SetDefault("integration.mqtt.command_topic_template", "gateway/{{ .GatewayID }}/command/#")
	viper.SetDefault("integration.mqtt.auth.type", "generic")
	viper.SetDefault("integration.mqtt.auth.generic.server", "tcp://127.0.0.1:1883")
	viper.SetDefault("integration.mqtt.auth.generic.clean_session", true)

	viper.BindPFlag("general.log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	viper.SetEnvPrefix("SEMTECH_UDP_BRIDGE")
	viper.AutomaticEnv()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("semtech-udp-bridge")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/semtech-udp-bridge")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			log.WithError(err).Fatal("read configuration file error")
		}
	}

	if err := viper.Unmarshal(&config.C); err != nil {
		log.WithError(errors.Wrap(err, "unmarshal configuration error")).Fatal("could not unmarshal config")
	}
}
