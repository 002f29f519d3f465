package emit

import (
	"Go2NetSession/internal/config"
	"Go2NetSession/internal/factory"
	"Go2NetSession/internal/model"
)

func init() {
	factory.RegisterWriter("csv", func(def config.WriterDef, env factory.Env) (model.Writer, error) {
		return NewCSVWriter(def.CSV.Path)
	})
	factory.RegisterWriter("clickhouse", func(def config.WriterDef, env factory.Env) (model.Writer, error) {
		return NewClickHouseWriter(def.ClickHouse, env.RunID, env.Log)
	})
	factory.RegisterWriter("sql", func(def config.WriterDef, env factory.Env) (model.Writer, error) {
		return NewSQLWriter(def.SQL, env.RunID, env.Log)
	})
	factory.RegisterWriter("amqp", func(def config.WriterDef, env factory.Env) (model.Writer, error) {
		return NewAMQPWriter(def.AMQP, env.RunID, env.Log)
	})
	factory.RegisterWriter("nats", func(def config.WriterDef, env factory.Env) (model.Writer, error) {
		return NewNATSWriter(def.NATS, env.RunID, env.Log)
	})
}
