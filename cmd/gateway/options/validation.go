package options

import (
	"net/url"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation/field"
	"lumentree/pkg/runtime"
)

var brokerSchemes = map[string]bool{
	"tcp": true, "ssl": true, "tls": true, "mqtt": true, "mqtts": true, "ws": true, "wss": true,
}

func Validate(o *Options) []error {
	var errs []error
	if err := o.BaseOptions.ValidateAndApply(); err != nil {
		errs = append(errs, err)
	}

	var allErrs field.ErrorList
	if port, err := strconv.Atoi(o.Port); err != nil || port <= 0 || port > 65535 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("port"), o.Port, "must be a port number"))
	}
	if (len(o.CertFile) == 0) != (len(o.KeyFile) == 0) {
		allErrs = append(allErrs, field.Required(field.NewPath("key-file"), "cert-file and key-file go together"))
	}
	if o.WindowSize < 0 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("window-size"), o.WindowSize, "must not be negative"))
	}
	if o.PollInterval.Duration <= 0 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("poll-interval"), o.PollInterval.Duration.String(), "must be positive"))
	}
	for i, id := range o.Devices {
		allErrs = append(allErrs, runtime.ValidateDeviceId(id, field.NewPath("devices").Index(i))...)
	}
	allErrs = append(allErrs, validateMqtt(&o.Mqtt, field.NewPath("mqtt"))...)
	allErrs = append(allErrs, validateReconnect(&o.Reconnect, field.NewPath("reconnect"))...)
	allErrs = append(allErrs, validateRepublish(&o.Republish, field.NewPath("republish"))...)

	if agg := allErrs.ToAggregate(); agg != nil {
		errs = append(errs, agg.Errors()...)
	}
	return errs
}

func validateBroker(broker string, path *field.Path) field.ErrorList {
	u, err := url.Parse(broker)
	if err != nil || !brokerSchemes[strings.ToLower(u.Scheme)] || len(u.Host) == 0 {
		return field.ErrorList{field.Invalid(path, broker, "must be a broker url such as tcp://host:1883 or ws://host:8083/mqtt")}
	}
	return nil
}

func validateMqtt(m *MqttOptions, path *field.Path) field.ErrorList {
	var allErrs field.ErrorList
	if len(m.Brokers) == 0 {
		allErrs = append(allErrs, field.Required(path.Child("brokers"), ""))
	}
	for i, broker := range m.Brokers {
		allErrs = append(allErrs, validateBroker(broker, path.Child("brokers").Index(i))...)
	}
	if !strings.Contains(m.ClientIdFormat, "{device_id}") {
		allErrs = append(allErrs, field.Invalid(path.Child("client-id-format"), m.ClientIdFormat, "must contain {device_id}"))
	}
	if m.KeepAlive.Duration < 0 {
		allErrs = append(allErrs, field.Invalid(path.Child("keepalive"), m.KeepAlive.Duration.String(), "must not be negative"))
	}
	if m.ConnectTimeout.Duration <= 0 {
		allErrs = append(allErrs, field.Invalid(path.Child("connect-timeout"), m.ConnectTimeout.Duration.String(), "must be positive"))
	}
	if m.WriteTimeout.Duration <= 0 {
		allErrs = append(allErrs, field.Invalid(path.Child("write-timeout"), m.WriteTimeout.Duration.String(), "must be positive"))
	}
	return allErrs
}

func validateReconnect(r *ReconnectOptions, path *field.Path) field.ErrorList {
	var allErrs field.ErrorList
	if r.Initial.Duration <= 0 {
		allErrs = append(allErrs, field.Invalid(path.Child("initial"), r.Initial.Duration.String(), "must be positive"))
	}
	if r.Factor < 1 {
		allErrs = append(allErrs, field.Invalid(path.Child("factor"), r.Factor, "must be at least 1"))
	}
	if r.Jitter < 0 {
		allErrs = append(allErrs, field.Invalid(path.Child("jitter"), r.Jitter, "must not be negative"))
	}
	if r.Steps < 1 {
		allErrs = append(allErrs, field.Invalid(path.Child("steps"), r.Steps, "must be at least 1"))
	}
	if r.Cap.Duration < r.Initial.Duration {
		allErrs = append(allErrs, field.Invalid(path.Child("cap"), r.Cap.Duration.String(), "must not be below initial"))
	}
	if r.MaxAttempts < 0 {
		allErrs = append(allErrs, field.Invalid(path.Child("max-attempts"), r.MaxAttempts, "must not be negative"))
	}
	return allErrs
}

func validateRepublish(r *RepublishOptions, path *field.Path) field.ErrorList {
	if !r.Enabled {
		return nil
	}
	var allErrs field.ErrorList
	if len(r.Broker) == 0 {
		allErrs = append(allErrs, field.Required(path.Child("broker"), "required when republish is enabled"))
	} else {
		allErrs = append(allErrs, validateBroker(r.Broker, path.Child("broker"))...)
	}
	if strings.Count(r.TopicFormat, "%s") != 2 {
		allErrs = append(allErrs, field.Invalid(path.Child("topic-format"), r.TopicFormat, "must hold two %s, gateway id then device id"))
	}
	return allErrs
}
