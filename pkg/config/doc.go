/*
Package config resolves the radgate runtime configuration from environment
variables.

Configuration is environment-only: every recognized variable has a default,
viper's AutomaticEnv supplies overrides, and the result is one immutable
Config value handed to each component at construction. There is no global
configuration singleton and no config file.

The NAS-IP to FortiGate failover mapping supports two formats. The indexed
multi-line form is preferred:

	FORTI_GATE_1_NAS=172.26.202.244,172.26.202.245
	FORTI_GATE_1_FGS=10.3.1.101,10.3.1.102

Each NAS-IP of a group maps to the same ordered FortiGate list, which is the
failover order the reconciler follows. The legacy single-line form
(FORTI_GATE="nas1=fg1;fg2|nas2=fg3") is honored only when no indexed
variable is present.
*/
package config
