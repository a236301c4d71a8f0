/*
Package config loads the engine configuration.

Values are layered, later layers winning:

 1. Default()
 2. the YAML file passed to Load (unknown fields are rejected)
 3. PERIMETER_* environment variables, after .env files are loaded

Secrets such as PERIMETER_TELEGRAM_BOT_TOKEN and PERIMETER_REDIS_PASSWORD are
only read from the environment and fill recipients that leave them empty.
cobra flags on `perimeter serve` override the result.
*/
package config
