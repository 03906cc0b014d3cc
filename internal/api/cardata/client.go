package cardata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v3"
)

// HV battery descriptors requested through the telematic container. The
// stream delivers the same identifiers.
var HVBatteryDescriptors = []string{
	"vehicle.drivetrain.batteryManagement.header",
	"vehicle.drivetrain.electricEngine.charging.acAmpere",
	"vehicle.drivetrain.electricEngine.charging.acVoltage",
	"vehicle.powertrain.electric.battery.preconditioning.automaticMode.statusFeedback",
	"vehicle.vehicle.avgAuxPower",
	"vehicle.powertrain.tractionBattery.charging.port.anyPosition.flap.isOpen",
	"vehicle.powertrain.tractionBattery.charging.port.anyPosition.isPlugged",
	"vehicle.drivetrain.electricEngine.charging.timeToFullyCharged",
	"vehicle.powertrain.electric.battery.charging.acLimit.selected",
	"vehicle.drivetrain.electricEngine.charging.method",
	"vehicle.body.chargingPort.plugEventId",
	"vehicle.drivetrain.electricEngine.charging.phaseNumber",
	"vehicle.trip.segment.end.drivetrain.batteryManagement.hvSoc",
	"vehicle.trip.segment.accumulated.drivetrain.electricEngine.recuperationTotal",
	"vehicle.drivetrain.electricEngine.remainingElectricRange",
	"vehicle.drivetrain.electricEngine.charging.timeRemaining",
	"vehicle.drivetrain.electricEngine.charging.hvStatus",
	"vehicle.drivetrain.electricEngine.charging.lastChargingReason",
	"vehicle.drivetrain.electricEngine.charging.lastChargingResult",
	"vehicle.powertrain.electric.battery.preconditioning.manualMode.statusFeedback",
	"vehicle.drivetrain.electricEngine.charging.reasonChargingEnd",
	"vehicle.powertrain.electric.battery.stateOfCharge.target",
	"vehicle.body.chargingPort.lockedStatus",
	"vehicle.drivetrain.electricEngine.charging.level",
	"vehicle.powertrain.electric.battery.stateOfHealth.displayed",
	"vehicle.vehicleIdentification.basicVehicleData",
	"vehicle.drivetrain.batteryManagement.batterySizeMax",
}

const (
	hvContainerName    = "CarData HV Battery"
	hvContainerPurpose = "High voltage battery telemetry"
)

// Client is the CarData OAuth + REST API client.
type Client struct {
	httpClient    *http.Client
	deviceCodeURL string
	tokenURL      string
	apiBaseURL    string
	apiVersion    string
	clientID      string
	scope         string

	// overrides the inter-poll wait (used in tests)
	sleepFn func(ctx context.Context, d time.Duration) error
}

// NewClient creates a new CarData API client.
func NewClient(deviceCodeURL, tokenURL, apiBaseURL, apiVersion, clientID, scope string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		deviceCodeURL: deviceCodeURL,
		tokenURL:      tokenURL,
		apiBaseURL:    apiBaseURL,
		apiVersion:    apiVersion,
		clientID:      clientID,
		scope:         scope,
	}
}

// SetHTTPClient replaces the underlying HTTP client (used in tests).
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// doAPI issues an authenticated REST request. Transient transport failures
// are retried a bounded number of times; HTTP error statuses are not.
func (c *Client) doAPI(ctx context.Context, accessToken, method, path string, query url.Values) ([]byte, error) {
	uri := c.apiBaseURL + path
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}

	var body []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, method, uri, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Authorization", "Bearer "+accessToken)
			req.Header.Set("x-version", c.apiVersion)
			req.Header.Set("Accept", "application/json")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return retry.Unrecoverable(&APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))})
			}
			body = data
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
	)
	return body, err
}

// VehicleMappings returns the VINs mapped to the account as PRIMARY.
func (c *Client) VehicleMappings(ctx context.Context, accessToken string) ([]VehicleMapping, error) {
	body, err := c.doAPI(ctx, accessToken, http.MethodGet, "/customers/vehicles/mappings", nil)
	if err != nil {
		return nil, fmt.Errorf("vehicle mappings: %w", err)
	}

	var mappings []VehicleMapping
	if err := json.Unmarshal(body, &mappings); err != nil {
		// some deployments wrap the list
		var wrapped struct {
			Mappings []VehicleMapping `json:"mappings"`
		}
		if err2 := json.Unmarshal(body, &wrapped); err2 != nil {
			return nil, fmt.Errorf("decode mappings: %w", err)
		}
		mappings = wrapped.Mappings
	}

	primary := mappings[:0]
	for _, m := range mappings {
		if m.MappingType == "" || strings.EqualFold(m.MappingType, "PRIMARY") {
			primary = append(primary, m)
		}
	}
	return primary, nil
}

// TelematicData fetches the container contents for a single vehicle.
func (c *Client) TelematicData(ctx context.Context, accessToken, vin, containerID string) (*TelematicData, error) {
	query := url.Values{}
	if containerID != "" {
		query.Set("containerId", containerID)
	}
	path := fmt.Sprintf("/customers/vehicles/%s/telematicData", vin)
	body, err := c.doAPI(ctx, accessToken, http.MethodGet, path, query)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			apiErr.VIN = vin
		}
		return nil, fmt.Errorf("telematic data for %s: %w", vin, err)
	}

	var data TelematicData
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decode telematic data: %w", err)
	}
	return &data, nil
}

// BasicData fetches static vehicle metadata.
func (c *Client) BasicData(ctx context.Context, accessToken, vin string) (*BasicData, error) {
	path := fmt.Sprintf("/customers/vehicles/%s/basicData", vin)
	body, err := c.doAPI(ctx, accessToken, http.MethodGet, path, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			apiErr.VIN = vin
		}
		return nil, fmt.Errorf("basic data for %s: %w", vin, err)
	}

	var data BasicData
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decode basic data: %w", err)
	}
	if data.VIN == "" {
		data.VIN = vin
	}
	return &data, nil
}
