package actors

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"portal/engine/library"
)

// InitConfig sets up our Viper config object
func InitConfig(config *viper.Viper) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		library.LogCLI(err.Error(), 0)
	}
	config.SetEnvPrefix("portal")
	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()
	config.SetDefault("rootDir", homeDir+"/portal/")
	config.SetConfigType("yaml")
	config.SetConfigFile(config.GetString("rootDir") + "config.yaml")
	err = config.ReadInConfig()
	if err != nil {
		library.LogCLI(err.Error(), 4)
	}
	config.SetDefault("firstRun", true)
	config.SetDefault("flatFileDir", "data/")
	config.SetDefault("databaseFile", "ledger.db")
	config.SetDefault("logLevel", 4)
	config.SetDefault("relays", []string{"wss://relay.getportal.cc", "wss://relay.damus.io", "wss://nos.lol"})
	config.SetDefault("requestTimeout", 2*time.Minute)
	config.SetDefault("handshakeTimeout", 5*time.Minute)
	config.SetDefault("reconnectMin", time.Second)
	config.SetDefault("reconnectMax", time.Minute)
	config.SetDefault("idleTimeout", 2*time.Minute)
	config.SetDefault("seenCacheSize", 4096)
	// lightning address used for makeInvoice, empty disables invoice creation
	config.SetDefault("lightningAddress", "")
	// nostr+walletconnect:// uri of the wallet that pays invoices
	config.SetDefault("nwcURI", "")
	config.SetDefault("mintAuthToken", "")
	library.SetLogLevel(config.GetInt("logLevel"))
	// Create our working directory and config file if not exist
	initRootDir(config)
	touch(config.GetString("rootDir") + "config.yaml")
	err = config.WriteConfig()
	if err != nil {
		library.LogCLI(err.Error(), 1)
	}
}

func initRootDir(conf *viper.Viper) {
	_, err := os.Stat(conf.GetString("rootDir"))
	if os.IsNotExist(err) {
		err = os.MkdirAll(conf.GetString("rootDir"), 0755)
		if err != nil {
			library.LogCLI(err, 0)
		}
	}
}

func touch(name string) {
	f, err := os.OpenFile(name, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		library.LogCLI(err, 1)
		return
	}
	f.Close()
}

var conf *viper.Viper

func MakeOrGetConfig() *viper.Viper {
	if conf == nil {
		conf = viper.New()
	}
	return conf
}

func SetConfig(config *viper.Viper) {
	conf = config
}
